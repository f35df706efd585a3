package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Nest-on-near/nest-markets/internal/amm"
	"github.com/Nest-on-near/nest-markets/internal/event"
	"github.com/Nest-on-near/nest-markets/internal/market"
	"github.com/Nest-on-near/nest-markets/internal/observability"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// ErrDuplicate rejects a command whose request id was already applied.
var ErrDuplicate = errors.New("duplicate request")

// Config carries the fixed identities and limits of the market ledger.
type Config struct {
	// Owner may hand over ownership; set at deploy time.
	Owner string

	// LedgerIdentity is this service's account on the external ledgers.
	// Custody claims and resolution bonds move through it.
	LedgerIdentity string

	// CollateralToken identifies the payment token backing all markets.
	CollateralToken string

	// OracleIdentity is the only caller allowed to settle or dispute.
	OracleIdentity string

	// ClaimLedgerIdentity is the outcome-claim token ledger.
	ClaimLedgerIdentity string

	DefaultFeeBPS     uint64
	MinResolutionBond uint256.Int
	Liveness          time.Duration
	CallTimeout       time.Duration
	DedupCapacity     int
}

func (c *Config) applyDefaults() {
	if c.DefaultFeeBPS == 0 {
		c.DefaultFeeBPS = amm.DefaultFeeBPS
	}
	if c.MinResolutionBond.IsZero() {
		c.MinResolutionBond.SetUint64(5 * amm.CollateralOne)
	}
	if c.Liveness == 0 {
		c.Liveness = 2 * time.Hour
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.DedupCapacity == 0 {
		c.DedupCapacity = 100_000
	}
}

// Output is one committed event bound for persistence and the feed.
type Output struct {
	Envelope *event.Envelope
}

// Engine is the authoritative market ledger. All commands execute to
// completion one at a time under the lock; external collaborator calls are
// queued while the lock is held and dispatched after it is released, so a
// slow collaborator never stalls the command path.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	store     *market.Store
	book      *market.Book
	validator *market.Validator
	hasher    *StateHasher
	dedup     *DedupChecker
	sequence  int64
	pending   map[uuid.UUID]*pendingCall

	claims   ClaimLedger
	payments PaymentLedger

	persistChan chan<- Output
	publishChan chan<- Output

	metrics *observability.Metrics
	log     zerolog.Logger

	// Injectable for tests. Now feeds every deadline and expiry check;
	// Dispatch runs queued external calls (production: one goroutine per
	// call; tests: inline).
	Now      func() time.Time
	NewID    func() uuid.UUID
	Dispatch func(fn func())
}

func New(
	cfg Config,
	claims ClaimLedger,
	payments PaymentLedger,
	persistChan, publishChan chan<- Output,
	dbChecker DBDedupChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:         cfg,
		store:       market.NewStore(),
		book:        market.NewBook(),
		validator:   market.NewValidator(),
		hasher:      NewStateHasher(),
		dedup:       NewDedupChecker(cfg.DedupCapacity, dbChecker),
		pending:     make(map[uuid.UUID]*pendingCall),
		claims:      claims,
		payments:    payments,
		persistChan: persistChan,
		publishChan: publishChan,
		metrics:     metrics,
		log:         log,
		Now:         time.Now,
		NewID:       uuid.New,
		Dispatch:    func(fn func()) { go fn() },
	}
}

// commit seals an event into the log. Runs under the engine lock. The
// persist send blocks (backpressure: the engine stalls until the writer
// drains), the publish send drops on full (the feed rebuilds from the log).
func (e *Engine) commit(ev event.Event, ts time.Time) {
	payload, err := event.Encode(ev)
	if err != nil {
		panic(fmt.Sprintf("FATAL: cannot encode %s event: %v", ev.EventType(), err))
	}

	prev := e.hasher.GetPrevHash()
	hash := e.hasher.ComputeHash(e.sequence, payload)

	out := Output{Envelope: &event.Envelope{
		Sequence:       e.sequence,
		EventType:      ev.EventType(),
		IdempotencyKey: ev.IdempotencyKey(),
		MarketID:       ev.Market(),
		Timestamp:      ts,
		Payload:        payload,
		StateHash:      hash,
		PrevHash:       prev,
	}}
	e.sequence++

	e.persistChan <- out
	select {
	case e.publishChan <- out:
	default:
		if e.metrics != nil {
			e.metrics.PublishDrops.Inc()
		}
	}

	e.dedup.MarkProcessed(ev.EventType().String(), ev.IdempotencyKey())
	if e.metrics != nil {
		e.metrics.EngineSequence.Set(float64(e.sequence))
	}
}

func (e *Engine) reject(command string, err error) error {
	if e.metrics != nil {
		e.metrics.CommandsRejected.WithLabelValues(command, reasonOf(err)).Inc()
	}
	return err
}

func (e *Engine) applied(command string, start time.Time) {
	if e.metrics != nil {
		e.metrics.CommandsApplied.WithLabelValues(command).Inc()
		e.metrics.CommandDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
	}
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, market.ErrValidation):
		return "validation"
	case errors.Is(err, market.ErrSlippage):
		return "slippage"
	case errors.Is(err, market.ErrAuthorization):
		return "authorization"
	case errors.Is(err, market.ErrState):
		return "state"
	case errors.Is(err, market.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, market.ErrInvariant):
		return "invariant"
	default:
		return "internal"
	}
}

// duplicate checks a caller-supplied request id against the two-tier
// dedup. Engine-assigned ids (uuid.Nil on input) are always fresh.
func (e *Engine) duplicate(t event.Type, requestID uuid.UUID) bool {
	if requestID == uuid.Nil {
		return false
	}
	return e.dedup.IsDuplicate(t.String(), requestID.String())
}

func (e *Engine) ensureRequestID(requestID uuid.UUID) uuid.UUID {
	if requestID == uuid.Nil {
		return e.NewID()
	}
	return requestID
}

// fireMint queues a fire-and-forget claim mint. Mint failures are
// recorded as collaborator failures, never compensated: the ledger state
// that implied the mint stays committed.
func (e *Engine) fireMint(op string, marketID uint64, outcome market.Outcome, account string, amount *uint256.Int) func() {
	if amount.IsZero() {
		return nil
	}
	amt := new(uint256.Int).Set(amount)
	id := marketID
	pc := &pendingCall{
		id:           e.NewID(),
		operation:    op,
		collaborator: CollaboratorClaims,
		marketID:     &id,
		onFailure: func(reason string) []func() {
			e.commit(&event.CollaboratorFailure{
				RequestID:    e.NewID(),
				ID:           &id,
				Collaborator: CollaboratorClaims,
				Operation:    op,
				Reason:       reason,
			}, e.Now())
			return nil
		},
	}
	return e.register(pc, func(ctx context.Context) error {
		return e.claims.Mint(ctx, marketID, outcome, account, amt)
	})
}

// firePay queues a collateral transfer whose failure is recorded but not
// compensated. Used for payouts that follow an already-confirmed burn.
func (e *Engine) firePay(op string, marketID uint64, receiver string, amount *uint256.Int) func() {
	amt := new(uint256.Int).Set(amount)
	id := marketID
	pc := &pendingCall{
		id:           e.NewID(),
		operation:    op,
		collaborator: CollaboratorPayments,
		marketID:     &id,
		onFailure: func(reason string) []func() {
			e.commit(&event.CollaboratorFailure{
				RequestID:    e.NewID(),
				ID:           &id,
				Collaborator: CollaboratorPayments,
				Operation:    op,
				Reason:       reason,
			}, e.Now())
			return nil
		},
	}
	return e.register(pc, func(ctx context.Context) error {
		return e.payments.Transfer(ctx, receiver, amt)
	})
}

// ----------------------------------------------------------------------------
// Commands
// ----------------------------------------------------------------------------

type CreateMarketResult struct {
	RequestID  uuid.UUID
	MarketID   uint64
	YesReserve uint256.Int
	NoReserve  uint256.Int
	LPShares   uint256.Int
}

// CreateMarket opens a new binary market. The initial collateral seeds
// 50/50 reserves (half = initial/2) and the creator's LP position equals
// the full deposit. Custody claims backing the reserves are minted to the
// ledger's own account, fire-and-forget.
func (e *Engine) CreateMarket(
	requestID uuid.UUID,
	question, description, creator string,
	resolutionTime int64,
	initial *uint256.Int,
) (*CreateMarketResult, error) {
	const cmd = "create_market"
	start := time.Now()

	var outbox []func()
	res := &CreateMarketResult{}

	e.mu.Lock()
	err := func() error {
		if e.duplicate(event.TypeMarketCreated, requestID) {
			return ErrDuplicate
		}
		requestID = e.ensureRequestID(requestID)
		now := e.Now()

		if question == "" {
			return fmt.Errorf("%w: question is empty", market.ErrValidation)
		}
		if creator == "" {
			return fmt.Errorf("%w: creator is empty", market.ErrValidation)
		}
		if resolutionTime <= now.UnixNano() {
			return fmt.Errorf("%w: resolution time must be in the future", market.ErrValidation)
		}
		minInitial := amm.NewAmount(amm.MinInitialLiquidity)
		if initial == nil || initial.Cmp(minInitial) < 0 {
			return fmt.Errorf("%w: initial liquidity below minimum %s", market.ErrValidation, minInitial.Dec())
		}

		half := new(uint256.Int).Div(initial, uint256.NewInt(2))

		m := &market.Market{
			Question:       question,
			Description:    description,
			Creator:        creator,
			ResolutionTime: resolutionTime,
			Status:         market.StatusOpen,
			FeeBPS:         e.cfg.DefaultFeeBPS,
		}
		m.YesReserve.Set(half)
		m.NoReserve.Set(half)
		m.TotalLPShares.Set(initial)
		m.TotalCollateral.Set(initial)

		if err := e.validator.Check(m, initial); err != nil {
			return err
		}

		m.ID = e.store.NextID()
		e.store.Put(m)
		e.book.Credit(m.ID, creator, initial)

		e.commit(&event.MarketCreated{
			RequestID:       requestID,
			ID:              m.ID,
			Question:        question,
			Description:     description,
			Creator:         creator,
			ResolutionTime:  resolutionTime,
			FeeBPS:          m.FeeBPS,
			InitialBacking:  initial.Dec(),
			YesReserve:      half.Dec(),
			NoReserve:       half.Dec(),
			TotalLPShares:   initial.Dec(),
			TotalCollateral: initial.Dec(),
		}, now)

		if fn := e.fireMint("create_market:custody_mint_yes", m.ID, market.OutcomeYes, e.cfg.LedgerIdentity, half); fn != nil {
			outbox = append(outbox, fn)
		}
		if fn := e.fireMint("create_market:custody_mint_no", m.ID, market.OutcomeNo, e.cfg.LedgerIdentity, half); fn != nil {
			outbox = append(outbox, fn)
		}

		if e.metrics != nil {
			e.metrics.MarketsOpen.Set(float64(e.store.Count()))
		}

		res.RequestID = requestID
		res.MarketID = m.ID
		res.YesReserve.Set(half)
		res.NoReserve.Set(half)
		res.LPShares.Set(initial)
		return nil
	}()
	e.mu.Unlock()

	if err != nil {
		return nil, e.reject(cmd, err)
	}
	e.applied(cmd, start)
	e.flush(outbox)
	return res, nil
}

type BuyResult struct {
	RequestID uuid.UUID
	TokensOut uint256.Int
	Fee       uint256.Int
	YesPrice  uint64
	NoPrice   uint64
}

// Buy swaps collateral for outcome claims on an open market. The claims
// are minted to the buyer after commit, fire-and-forget.
func (e *Engine) Buy(
	requestID uuid.UUID,
	marketID uint64,
	outcome market.Outcome,
	collateralIn, minTokensOut *uint256.Int,
	buyer string,
) (*BuyResult, error) {
	const cmd = "buy"
	start := time.Now()

	var outbox []func()
	res := &BuyResult{}

	e.mu.Lock()
	err := func() error {
		if e.duplicate(event.TypeTokensBought, requestID) {
			return ErrDuplicate
		}
		requestID = e.ensureRequestID(requestID)
		now := e.Now()

		if buyer == "" {
			return fmt.Errorf("%w: buyer is empty", market.ErrValidation)
		}
		if collateralIn == nil || collateralIn.IsZero() {
			return fmt.Errorf("%w: collateral_in must be positive", market.ErrValidation)
		}
		m := e.store.Get(marketID)
		if m == nil {
			return fmt.Errorf("%w: unknown market %d", market.ErrValidation, marketID)
		}
		if !m.Status.Trading() {
			return fmt.Errorf("%w: market %d is %s, not open for trading", market.ErrState, marketID, m.Status)
		}

		q, err := amm.QuoteBuy(&m.YesReserve, &m.NoReserve, m.FeeBPS, collateralIn, outcome == market.OutcomeYes)
		if err != nil {
			return fmt.Errorf("%w: %v", market.ErrValidation, err)
		}
		if minTokensOut != nil && q.TokensOut.Cmp(minTokensOut) < 0 {
			return fmt.Errorf("%w: would receive %s but minimum is %s",
				market.ErrSlippage, q.TokensOut.Dec(), minTokensOut.Dec())
		}

		// Product check runs against the post-mint reserves: the swap
		// starts after the net collateral joins both sides.
		preYes := new(uint256.Int).Add(&m.YesReserve, &q.Net)
		preNo := new(uint256.Int).Add(&m.NoReserve, &q.Net)
		if err := e.validator.CheckProductGrowth(preYes, preNo, &q.NewYes, &q.NewNo); err != nil {
			return err
		}

		next := m.Clone()
		next.YesReserve.Set(&q.NewYes)
		next.NoReserve.Set(&q.NewNo)
		next.TotalCollateral.Add(&next.TotalCollateral, &q.Net)
		next.AccruedFees.Add(&next.AccruedFees, &q.Fee)

		if err := e.validator.Check(next, e.book.TotalFor(marketID)); err != nil {
			return err
		}
		e.store.Put(next)

		yesPrice, noPrice := next.Prices()
		e.commit(&event.TokensBought{
			RequestID:    requestID,
			ID:           marketID,
			Buyer:        buyer,
			Outcome:      outcome.String(),
			CollateralIn: collateralIn.Dec(),
			Fee:          q.Fee.Dec(),
			TokensOut:    q.TokensOut.Dec(),
			YesReserve:   next.YesReserve.Dec(),
			NoReserve:    next.NoReserve.Dec(),
			YesPrice:     yesPrice,
			NoPrice:      noPrice,
			AccruedFees:  next.AccruedFees.Dec(),
		}, now)

		if fn := e.fireMint("buy:mint", marketID, outcome, buyer, &q.TokensOut); fn != nil {
			outbox = append(outbox, fn)
		}

		res.RequestID = requestID
		res.TokensOut.Set(&q.TokensOut)
		res.Fee.Set(&q.Fee)
		res.YesPrice = yesPrice
		res.NoPrice = noPrice
		return nil
	}()
	e.mu.Unlock()

	if err != nil {
		return nil, e.reject(cmd, err)
	}
	e.applied(cmd, start)
	e.flush(outbox)
	return res, nil
}

type SellResult struct {
	RequestID     uuid.UUID
	CollateralOut uint256.Int
	Fee           uint256.Int
	YesPrice      uint64
	NoPrice       uint64
}

// Sell swaps outcome claims back into collateral. The pool state commits
// immediately; the payout is gated on the claim burn succeeding. A failed
// burn withholds the payment and flags the discrepancy, it does not undo
// the committed trade.
func (e *Engine) Sell(
	requestID uuid.UUID,
	marketID uint64,
	outcome market.Outcome,
	tokensIn, minCollateralOut *uint256.Int,
	seller string,
) (*SellResult, error) {
	const cmd = "sell"
	start := time.Now()

	var outbox []func()
	res := &SellResult{}

	e.mu.Lock()
	err := func() error {
		if e.duplicate(event.TypeTokensSold, requestID) {
			return ErrDuplicate
		}
		requestID = e.ensureRequestID(requestID)
		now := e.Now()

		if seller == "" {
			return fmt.Errorf("%w: seller is empty", market.ErrValidation)
		}
		if tokensIn == nil || tokensIn.IsZero() {
			return fmt.Errorf("%w: tokens_in must be positive", market.ErrValidation)
		}
		m := e.store.Get(marketID)
		if m == nil {
			return fmt.Errorf("%w: unknown market %d", market.ErrValidation, marketID)
		}
		if !m.Status.Trading() {
			return fmt.Errorf("%w: market %d is %s, not open for trading", market.ErrState, marketID, m.Status)
		}

		q, err := amm.QuoteSell(&m.YesReserve, &m.NoReserve, m.FeeBPS, tokensIn, outcome == market.OutcomeYes)
		if err != nil {
			return fmt.Errorf("%w: %v", market.ErrValidation, err)
		}
		if minCollateralOut != nil && q.CollateralOut.Cmp(minCollateralOut) < 0 {
			return fmt.Errorf("%w: would receive %s but minimum is %s",
				market.ErrSlippage, q.CollateralOut.Dec(), minCollateralOut.Dec())
		}

		// The quote burns matched pairs off the sold side after the
		// swap; the product check covers the swap leg alone, so the
		// burned pairs are added back before comparing.
		swapYes := new(uint256.Int).Set(&q.NewYes)
		swapNo := new(uint256.Int).Set(&q.NewNo)
		if outcome == market.OutcomeYes {
			swapYes.Add(swapYes, &q.Pairs)
		} else {
			swapNo.Add(swapNo, &q.Pairs)
		}
		if err := e.validator.CheckProductGrowth(&m.YesReserve, &m.NoReserve, swapYes, swapNo); err != nil {
			return err
		}

		next := m.Clone()
		next.YesReserve.Set(&q.NewYes)
		next.NoReserve.Set(&q.NewNo)
		next.TotalCollateral.Sub(&next.TotalCollateral, &q.Pairs)
		next.AccruedFees.Add(&next.AccruedFees, &q.Fee)

		if err := e.validator.Check(next, e.book.TotalFor(marketID)); err != nil {
			return err
		}
		e.store.Put(next)

		yesPrice, noPrice := next.Prices()
		e.commit(&event.TokensSold{
			RequestID:     requestID,
			ID:            marketID,
			Seller:        seller,
			Outcome:       outcome.String(),
			TokensIn:      tokensIn.Dec(),
			Fee:           q.Fee.Dec(),
			CollateralOut: q.CollateralOut.Dec(),
			YesReserve:    next.YesReserve.Dec(),
			NoReserve:     next.NoReserve.Dec(),
			YesPrice:      yesPrice,
			NoPrice:       noPrice,
			AccruedFees:   next.AccruedFees.Dec(),
		}, now)

		outbox = append(outbox, e.burnThenPay(
			"sell", marketID, outcome, seller, tokensIn, &q.CollateralOut, nil))

		res.RequestID = requestID
		res.CollateralOut.Set(&q.CollateralOut)
		res.Fee.Set(&q.Fee)
		res.YesPrice = yesPrice
		res.NoPrice = noPrice
		return nil
	}()
	e.mu.Unlock()

	if err != nil {
		return nil, e.reject(cmd, err)
	}
	e.applied(cmd, start)
	e.flush(outbox)
	return res, nil
}

// burnThenPay builds the burn-gated payout chain: burn claims from the
// account, then transfer collateral. The optional onBurned hook runs under
// the lock after a confirmed burn, before the payout is queued.
func (e *Engine) burnThenPay(
	op string,
	marketID uint64,
	outcome market.Outcome,
	account string,
	burnAmount, payAmount *uint256.Int,
	onBurned func(),
) func() {
	burn := new(uint256.Int).Set(burnAmount)
	pay := new(uint256.Int).Set(payAmount)
	id := marketID

	pc := &pendingCall{
		id:           e.NewID(),
		operation:    op + ":burn",
		collaborator: CollaboratorClaims,
		marketID:     &id,
		onSuccess: func() []func() {
			if onBurned != nil {
				onBurned()
			}
			return []func(){e.firePay(op+":payout", id, account, pay)}
		},
		onFailure: func(reason string) []func() {
			if e.metrics != nil {
				e.metrics.Compensations.WithLabelValues(op).Inc()
			}
			e.commit(&event.CollaboratorFailure{
				RequestID:    e.NewID(),
				ID:           &id,
				Collaborator: CollaboratorClaims,
				Operation:    op + ":burn",
				Reason:       reason,
			}, e.Now())
			return nil
		},
	}
	return e.register(pc, func(ctx context.Context) error {
		return e.claims.Burn(ctx, marketID, outcome, account, burn)
	})
}

type LiquidityResult struct {
	RequestID     uuid.UUID
	Shares        uint256.Int
	CollateralOut uint256.Int
}

// AddLiquidity deposits collateral into an open market's pool. Shares are
// priced against total collateral; the proportional reserve growth is
// backed by custody claim mints.
func (e *Engine) AddLiquidity(
	requestID uuid.UUID,
	marketID uint64,
	amount *uint256.Int,
	provider string,
) (*LiquidityResult, error) {
	const cmd = "add_liquidity"
	start := time.Now()

	var outbox []func()
	res := &LiquidityResult{}

	e.mu.Lock()
	err := func() error {
		if e.duplicate(event.TypeLiquidityAdded, requestID) {
			return ErrDuplicate
		}
		requestID = e.ensureRequestID(requestID)
		now := e.Now()

		if provider == "" {
			return fmt.Errorf("%w: provider is empty", market.ErrValidation)
		}
		if amount == nil || amount.IsZero() {
			return fmt.Errorf("%w: amount must be positive", market.ErrValidation)
		}
		m := e.store.Get(marketID)
		if m == nil {
			return fmt.Errorf("%w: unknown market %d", market.ErrValidation, marketID)
		}
		if !m.Status.Trading() {
			return fmt.Errorf("%w: market %d is %s, not open", market.ErrState, marketID, m.Status)
		}

		q, err := amm.QuoteAddLiquidity(&m.YesReserve, &m.NoReserve, &m.TotalLPShares, &m.TotalCollateral, amount)
		if err != nil {
			return fmt.Errorf("%w: %v", market.ErrValidation, err)
		}

		next := m.Clone()
		next.YesReserve.Add(&next.YesReserve, &q.YesDelta)
		next.NoReserve.Add(&next.NoReserve, &q.NoDelta)
		next.TotalCollateral.Add(&next.TotalCollateral, amount)
		next.TotalLPShares.Add(&next.TotalLPShares, &q.Shares)

		lpTotal := e.book.TotalFor(marketID)
		lpTotal.Add(lpTotal, &q.Shares)
		if err := e.validator.Check(next, lpTotal); err != nil {
			return err
		}
		e.store.Put(next)
		e.book.Credit(marketID, provider, &q.Shares)

		e.commit(&event.LiquidityAdded{
			RequestID:       requestID,
			ID:              marketID,
			Provider:        provider,
			CollateralIn:    amount.Dec(),
			SharesMinted:    q.Shares.Dec(),
			YesReserve:      next.YesReserve.Dec(),
			NoReserve:       next.NoReserve.Dec(),
			TotalLPShares:   next.TotalLPShares.Dec(),
			TotalCollateral: next.TotalCollateral.Dec(),
		}, now)

		if fn := e.fireMint("add_liquidity:custody_mint_yes", marketID, market.OutcomeYes, e.cfg.LedgerIdentity, &q.YesDelta); fn != nil {
			outbox = append(outbox, fn)
		}
		if fn := e.fireMint("add_liquidity:custody_mint_no", marketID, market.OutcomeNo, e.cfg.LedgerIdentity, &q.NoDelta); fn != nil {
			outbox = append(outbox, fn)
		}

		res.RequestID = requestID
		res.Shares.Set(&q.Shares)
		return nil
	}()
	e.mu.Unlock()

	if err != nil {
		return nil, e.reject(cmd, err)
	}
	e.applied(cmd, start)
	e.flush(outbox)
	return res, nil
}

// RemoveLiquidity burns LP shares for a proportional share of the pool.
// The collateral payout is gated on burning the custody claims that backed
// the withdrawn reserves.
func (e *Engine) RemoveLiquidity(
	requestID uuid.UUID,
	marketID uint64,
	shares *uint256.Int,
	provider string,
) (*LiquidityResult, error) {
	const cmd = "remove_liquidity"
	start := time.Now()

	var outbox []func()
	res := &LiquidityResult{}

	e.mu.Lock()
	err := func() error {
		if e.duplicate(event.TypeLiquidityRemoved, requestID) {
			return ErrDuplicate
		}
		requestID = e.ensureRequestID(requestID)
		now := e.Now()

		if provider == "" {
			return fmt.Errorf("%w: provider is empty", market.ErrValidation)
		}
		m := e.store.Get(marketID)
		if m == nil {
			return fmt.Errorf("%w: unknown market %d", market.ErrValidation, marketID)
		}
		if !m.Status.Trading() {
			return fmt.Errorf("%w: market %d is %s, not open", market.ErrState, marketID, m.Status)
		}
		if shares == nil || shares.IsZero() {
			return fmt.Errorf("%w: shares must be positive", market.ErrValidation)
		}
		if e.book.Get(marketID, provider).Cmp(shares) < 0 {
			return fmt.Errorf("%w: position does not cover %s shares", market.ErrValidation, shares.Dec())
		}
		// Burning every outstanding share would drain both reserves and
		// leave an open market that cannot trade.
		if shares.Cmp(&m.TotalLPShares) == 0 {
			return fmt.Errorf("%w: cannot withdraw the entire pool while market %d is %s",
				market.ErrValidation, marketID, m.Status)
		}

		q, err := amm.QuoteRemoveLiquidity(&m.YesReserve, &m.NoReserve, &m.TotalLPShares, &m.TotalCollateral, shares)
		if err != nil {
			return fmt.Errorf("%w: %v", market.ErrValidation, err)
		}

		next := m.Clone()
		next.YesReserve.Sub(&next.YesReserve, &q.YesDelta)
		next.NoReserve.Sub(&next.NoReserve, &q.NoDelta)
		next.TotalCollateral.Sub(&next.TotalCollateral, &q.Collateral)
		next.TotalLPShares.Sub(&next.TotalLPShares, shares)

		lpTotal := e.book.TotalFor(marketID)
		lpTotal.Sub(lpTotal, shares)
		if err := e.validator.Check(next, lpTotal); err != nil {
			return err
		}
		e.store.Put(next)
		if err := e.book.Debit(marketID, provider, shares); err != nil {
			panic(fmt.Sprintf("FATAL: lp debit failed after cover check: %v", err))
		}

		e.commit(&event.LiquidityRemoved{
			RequestID:       requestID,
			ID:              marketID,
			Provider:        provider,
			SharesBurned:    shares.Dec(),
			CollateralOut:   q.Collateral.Dec(),
			YesReserve:      next.YesReserve.Dec(),
			NoReserve:       next.NoReserve.Dec(),
			TotalLPShares:   next.TotalLPShares.Dec(),
			TotalCollateral: next.TotalCollateral.Dec(),
		}, now)

		outbox = append(outbox, e.custodyBurnThenPay(marketID, provider, &q.YesDelta, &q.NoDelta, &q.Collateral))

		res.RequestID = requestID
		res.Shares.Set(shares)
		res.CollateralOut.Set(&q.Collateral)
		return nil
	}()
	e.mu.Unlock()

	if err != nil {
		return nil, e.reject(cmd, err)
	}
	e.applied(cmd, start)
	e.flush(outbox)
	return res, nil
}

// custodyBurnThenPay chains the liquidity-withdrawal externals: burn the
// custody YES claims, then the custody NO claims, then pay the provider.
func (e *Engine) custodyBurnThenPay(marketID uint64, provider string, yesBurn, noBurn, payout *uint256.Int) func() {
	const op = "remove_liquidity"
	yes := new(uint256.Int).Set(yesBurn)
	no := new(uint256.Int).Set(noBurn)
	pay := new(uint256.Int).Set(payout)
	id := marketID

	fail := func(step string) func(string) []func() {
		return func(reason string) []func() {
			if e.metrics != nil {
				e.metrics.Compensations.WithLabelValues(op).Inc()
			}
			e.commit(&event.CollaboratorFailure{
				RequestID:    e.NewID(),
				ID:           &id,
				Collaborator: CollaboratorClaims,
				Operation:    step,
				Reason:       reason,
			}, e.Now())
			return nil
		}
	}

	burnNo := func() func() {
		pc := &pendingCall{
			id:           e.NewID(),
			operation:    op + ":burn_no",
			collaborator: CollaboratorClaims,
			marketID:     &id,
			onSuccess: func() []func() {
				return []func(){e.firePay(op+":payout", id, provider, pay)}
			},
			onFailure: fail(op + ":burn_no"),
		}
		return e.register(pc, func(ctx context.Context) error {
			return e.claims.Burn(ctx, id, market.OutcomeNo, e.cfg.LedgerIdentity, no)
		})
	}

	pc := &pendingCall{
		id:           e.NewID(),
		operation:    op + ":burn_yes",
		collaborator: CollaboratorClaims,
		marketID:     &id,
		onSuccess: func() []func() {
			return []func(){burnNo()}
		},
		onFailure: fail(op + ":burn_yes"),
	}
	return e.register(pc, func(ctx context.Context) error {
		return e.claims.Burn(ctx, id, market.OutcomeYes, e.cfg.LedgerIdentity, yes)
	})
}

type RedeemResult struct {
	RequestID uuid.UUID
	Payout    uint256.Int
}

// Redeem pays out winning claims 1:1 after settlement. The payout and its
// event are gated on the burn confirming; a failed burn pays nothing.
func (e *Engine) Redeem(
	requestID uuid.UUID,
	marketID uint64,
	amount *uint256.Int,
	holder string,
) (*RedeemResult, error) {
	const cmd = "redeem"
	start := time.Now()

	var outbox []func()
	res := &RedeemResult{}

	e.mu.Lock()
	err := func() error {
		if e.duplicate(event.TypeTokensRedeemed, requestID) {
			return ErrDuplicate
		}
		requestID = e.ensureRequestID(requestID)

		if holder == "" {
			return fmt.Errorf("%w: holder is empty", market.ErrValidation)
		}
		if amount == nil || amount.IsZero() {
			return fmt.Errorf("%w: amount must be positive", market.ErrValidation)
		}
		m := e.store.Get(marketID)
		if m == nil {
			return fmt.Errorf("%w: unknown market %d", market.ErrValidation, marketID)
		}
		if m.Status != market.StatusSettled || m.Outcome == nil {
			return fmt.Errorf("%w: market %d is %s, not settled", market.ErrState, marketID, m.Status)
		}

		winning := *m.Outcome
		reqID := requestID
		amt := new(uint256.Int).Set(amount)
		outbox = append(outbox, e.burnThenPay(
			cmd, marketID, winning, holder, amt, amt,
			func() {
				e.commit(&event.TokensRedeemed{
					RequestID: reqID,
					ID:        marketID,
					Account:   holder,
					Outcome:   winning.String(),
					Tokens:    amt.Dec(),
					Payout:    amt.Dec(),
				}, e.Now())
			}))

		res.RequestID = requestID
		res.Payout.Set(amount)
		return nil
	}()
	e.mu.Unlock()

	if err != nil {
		return nil, e.reject(cmd, err)
	}
	e.applied(cmd, start)
	e.flush(outbox)
	return res, nil
}

// SetOwner hands ownership to another account. Owner-gated.
func (e *Engine) SetOwner(requestID uuid.UUID, newOwner, caller string) error {
	const cmd = "set_owner"
	start := time.Now()

	e.mu.Lock()
	err := func() error {
		if e.duplicate(event.TypeOwnerChanged, requestID) {
			return ErrDuplicate
		}
		requestID = e.ensureRequestID(requestID)

		if caller != e.cfg.Owner {
			return fmt.Errorf("%w: only the owner may transfer ownership", market.ErrAuthorization)
		}
		if newOwner == "" {
			return fmt.Errorf("%w: new owner is empty", market.ErrValidation)
		}

		previous := e.cfg.Owner
		e.cfg.Owner = newOwner
		e.commit(&event.OwnerChanged{
			RequestID: requestID,
			Previous:  previous,
			Owner:     newOwner,
		}, e.Now())
		return nil
	}()
	e.mu.Unlock()

	if err != nil {
		return e.reject(cmd, err)
	}
	e.applied(cmd, start)
	return nil
}
