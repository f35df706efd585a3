// Package server exposes the command and view API over HTTP/JSON.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Nest-on-near/nest-markets/internal/amm"
	"github.com/Nest-on-near/nest-markets/internal/engine"
	"github.com/Nest-on-near/nest-markets/internal/market"
	"github.com/Nest-on-near/nest-markets/internal/observability"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Server routes API requests into the engine.
type Server struct {
	eng     *engine.Engine
	metrics *observability.Metrics
	log     zerolog.Logger
}

func New(eng *engine.Engine, metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{eng: eng, metrics: metrics, log: log}
}

// Router builds the versioned API router.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/markets", s.handleCreateMarket).Methods(http.MethodPost)
	v1.HandleFunc("/markets/count", s.handleMarketCount).Methods(http.MethodGet)
	v1.HandleFunc("/markets/{id:[0-9]+}", s.handleGetMarket).Methods(http.MethodGet)
	v1.HandleFunc("/markets/{id:[0-9]+}/prices", s.handlePrices).Methods(http.MethodGet)
	v1.HandleFunc("/markets/{id:[0-9]+}/estimate-buy", s.handleEstimateBuy).Methods(http.MethodGet)
	v1.HandleFunc("/markets/{id:[0-9]+}/buy", s.handleBuy).Methods(http.MethodPost)
	v1.HandleFunc("/markets/{id:[0-9]+}/sell", s.handleSell).Methods(http.MethodPost)
	v1.HandleFunc("/markets/{id:[0-9]+}/liquidity", s.handleAddLiquidity).Methods(http.MethodPost)
	v1.HandleFunc("/markets/{id:[0-9]+}/liquidity/remove", s.handleRemoveLiquidity).Methods(http.MethodPost)
	v1.HandleFunc("/markets/{id:[0-9]+}/lp/{account}", s.handleLPShares).Methods(http.MethodGet)
	v1.HandleFunc("/markets/{id:[0-9]+}/resolution", s.handleSubmitResolution).Methods(http.MethodPost)
	v1.HandleFunc("/markets/{id:[0-9]+}/resolution", s.handleResolutionStatus).Methods(http.MethodGet)
	v1.HandleFunc("/markets/{id:[0-9]+}/redeem", s.handleRedeem).Methods(http.MethodPost)
	v1.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)
	v1.HandleFunc("/admin/owner", s.handleSetOwner).Methods(http.MethodPost)

	return r
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, req)

		route := "unmatched"
		if cur := mux.CurrentRoute(req); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			s.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// writeError maps the engine's error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var status int
	var kind string
	switch {
	case errors.Is(err, market.ErrValidation) || errors.Is(err, market.ErrInsufficientBalance):
		status, kind = http.StatusBadRequest, "validation"
	case errors.Is(err, market.ErrAuthorization):
		status, kind = http.StatusForbidden, "authorization"
	case errors.Is(err, market.ErrSlippage):
		status, kind = http.StatusConflict, "slippage"
	case errors.Is(err, engine.ErrDuplicate):
		status, kind = http.StatusConflict, "duplicate"
	case errors.Is(err, market.ErrState):
		status, kind = http.StatusUnprocessableEntity, "state"
	case errors.Is(err, market.ErrCollaborator):
		status, kind = http.StatusBadGateway, "collaborator"
	default:
		status, kind = http.StatusInternalServerError, "internal"
		s.log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func marketID(req *http.Request) (uint64, error) {
	raw := mux.Vars(req)["id"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad market id %q", market.ErrValidation, raw)
	}
	return id, nil
}

func decodeBody(req *http.Request, dst interface{}) error {
	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: bad request body: %v", market.ErrValidation, err)
	}
	return nil
}

func parseAmountField(field, raw string, required bool) (*uint256.Int, error) {
	if raw == "" {
		if required {
			return nil, fmt.Errorf("%w: %s is required", market.ErrValidation, field)
		}
		return nil, nil
	}
	v, err := amm.ParseAmount(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: bad %s: %v", market.ErrValidation, field, err)
	}
	return v, nil
}

func parseRequestID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad request_id: %v", market.ErrValidation, err)
	}
	return id, nil
}

// ----------------------------------------------------------------------------
// Commands
// ----------------------------------------------------------------------------

type createMarketRequest struct {
	RequestID        string `json:"request_id,omitempty"`
	Question         string `json:"question"`
	Description      string `json:"description,omitempty"`
	Creator          string `json:"creator"`
	ResolutionTime   int64  `json:"resolution_time_ns"`
	InitialLiquidity string `json:"initial_liquidity"`
}

type createMarketResponse struct {
	RequestID  string `json:"request_id"`
	MarketID   uint64 `json:"market_id"`
	YesReserve string `json:"yes_reserve"`
	NoReserve  string `json:"no_reserve"`
	LPShares   string `json:"lp_shares"`
}

func (s *Server) handleCreateMarket(w http.ResponseWriter, req *http.Request) {
	var body createMarketRequest
	if err := decodeBody(req, &body); err != nil {
		s.writeError(w, err)
		return
	}
	reqID, err := parseRequestID(body.RequestID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	initial, err := parseAmountField("initial_liquidity", body.InitialLiquidity, true)
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.eng.CreateMarket(reqID, body.Question, body.Description, body.Creator, body.ResolutionTime, initial)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createMarketResponse{
		RequestID:  res.RequestID.String(),
		MarketID:   res.MarketID,
		YesReserve: res.YesReserve.Dec(),
		NoReserve:  res.NoReserve.Dec(),
		LPShares:   res.LPShares.Dec(),
	})
}

type tradeRequest struct {
	RequestID        string `json:"request_id,omitempty"`
	Outcome          string `json:"outcome"`
	CollateralIn     string `json:"collateral_in,omitempty"`
	TokensIn         string `json:"tokens_in,omitempty"`
	MinTokensOut     string `json:"min_tokens_out,omitempty"`
	MinCollateralOut string `json:"min_collateral_out,omitempty"`
	Account          string `json:"account"`
}

type tradeResponse struct {
	RequestID     string `json:"request_id"`
	TokensOut     string `json:"tokens_out,omitempty"`
	CollateralOut string `json:"collateral_out,omitempty"`
	Fee           string `json:"fee"`
	YesPrice      uint64 `json:"yes_price"`
	NoPrice       uint64 `json:"no_price"`
}

func (s *Server) handleBuy(w http.ResponseWriter, req *http.Request) {
	id, err := marketID(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body tradeRequest
	if err := decodeBody(req, &body); err != nil {
		s.writeError(w, err)
		return
	}
	reqID, err := parseRequestID(body.RequestID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	outcome, err := market.ParseOutcome(body.Outcome)
	if err != nil {
		s.writeError(w, err)
		return
	}
	collateralIn, err := parseAmountField("collateral_in", body.CollateralIn, true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	minOut, err := parseAmountField("min_tokens_out", body.MinTokensOut, false)
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.eng.Buy(reqID, id, outcome, collateralIn, minOut, body.Account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tradeResponse{
		RequestID: res.RequestID.String(),
		TokensOut: res.TokensOut.Dec(),
		Fee:       res.Fee.Dec(),
		YesPrice:  res.YesPrice,
		NoPrice:   res.NoPrice,
	})
}

func (s *Server) handleSell(w http.ResponseWriter, req *http.Request) {
	id, err := marketID(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body tradeRequest
	if err := decodeBody(req, &body); err != nil {
		s.writeError(w, err)
		return
	}
	reqID, err := parseRequestID(body.RequestID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	outcome, err := market.ParseOutcome(body.Outcome)
	if err != nil {
		s.writeError(w, err)
		return
	}
	tokensIn, err := parseAmountField("tokens_in", body.TokensIn, true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	minOut, err := parseAmountField("min_collateral_out", body.MinCollateralOut, false)
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.eng.Sell(reqID, id, outcome, tokensIn, minOut, body.Account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tradeResponse{
		RequestID:     res.RequestID.String(),
		CollateralOut: res.CollateralOut.Dec(),
		Fee:           res.Fee.Dec(),
		YesPrice:      res.YesPrice,
		NoPrice:       res.NoPrice,
	})
}

type liquidityRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Shares    string `json:"shares,omitempty"`
	Provider  string `json:"provider"`
}

type liquidityResponse struct {
	RequestID     string `json:"request_id"`
	Shares        string `json:"shares"`
	CollateralOut string `json:"collateral_out,omitempty"`
}

func (s *Server) handleAddLiquidity(w http.ResponseWriter, req *http.Request) {
	id, err := marketID(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body liquidityRequest
	if err := decodeBody(req, &body); err != nil {
		s.writeError(w, err)
		return
	}
	reqID, err := parseRequestID(body.RequestID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseAmountField("amount", body.Amount, true)
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.eng.AddLiquidity(reqID, id, amount, body.Provider)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, liquidityResponse{
		RequestID: res.RequestID.String(),
		Shares:    res.Shares.Dec(),
	})
}

func (s *Server) handleRemoveLiquidity(w http.ResponseWriter, req *http.Request) {
	id, err := marketID(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body liquidityRequest
	if err := decodeBody(req, &body); err != nil {
		s.writeError(w, err)
		return
	}
	reqID, err := parseRequestID(body.RequestID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	shares, err := parseAmountField("shares", body.Shares, true)
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.eng.RemoveLiquidity(reqID, id, shares, body.Provider)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, liquidityResponse{
		RequestID:     res.RequestID.String(),
		Shares:        res.Shares.Dec(),
		CollateralOut: res.CollateralOut.Dec(),
	})
}

type resolutionRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Outcome   string `json:"outcome"`
	Bond      string `json:"bond"`
	Resolver  string `json:"resolver"`
}

type resolutionResponse struct {
	RequestID   string `json:"request_id"`
	AssertionID string `json:"assertion_id"`
	ExpiresAt   int64  `json:"expires_at_ns"`
}

func (s *Server) handleSubmitResolution(w http.ResponseWriter, req *http.Request) {
	id, err := marketID(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body resolutionRequest
	if err := decodeBody(req, &body); err != nil {
		s.writeError(w, err)
		return
	}
	reqID, err := parseRequestID(body.RequestID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	outcome, err := market.ParseOutcome(body.Outcome)
	if err != nil {
		s.writeError(w, err)
		return
	}
	bond, err := parseAmountField("bond", body.Bond, true)
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.eng.SubmitResolution(reqID, id, outcome, bond, body.Resolver)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Accepted, not final: the bond forward is still in flight.
	writeJSON(w, http.StatusAccepted, resolutionResponse{
		RequestID:   res.RequestID.String(),
		AssertionID: res.AssertionID.String(),
		ExpiresAt:   res.ExpiresAt,
	})
}

type redeemRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Amount    string `json:"amount"`
	Holder    string `json:"holder"`
}

type redeemResponse struct {
	RequestID string `json:"request_id"`
	Payout    string `json:"payout"`
}

func (s *Server) handleRedeem(w http.ResponseWriter, req *http.Request) {
	id, err := marketID(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body redeemRequest
	if err := decodeBody(req, &body); err != nil {
		s.writeError(w, err)
		return
	}
	reqID, err := parseRequestID(body.RequestID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseAmountField("amount", body.Amount, true)
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.eng.Redeem(reqID, id, amount, body.Holder)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Accepted: the payout lands once the claim burn confirms.
	writeJSON(w, http.StatusAccepted, redeemResponse{
		RequestID: res.RequestID.String(),
		Payout:    res.Payout.Dec(),
	})
}

type setOwnerRequest struct {
	RequestID string `json:"request_id,omitempty"`
	NewOwner  string `json:"new_owner"`
	Caller    string `json:"caller"`
}

func (s *Server) handleSetOwner(w http.ResponseWriter, req *http.Request) {
	var body setOwnerRequest
	if err := decodeBody(req, &body); err != nil {
		s.writeError(w, err)
		return
	}
	reqID, err := parseRequestID(body.RequestID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.eng.SetOwner(reqID, body.NewOwner, body.Caller); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"owner": body.NewOwner})
}

// ----------------------------------------------------------------------------
// Views
// ----------------------------------------------------------------------------

func (s *Server) handleGetMarket(w http.ResponseWriter, req *http.Request) {
	id, err := marketID(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	v, err := s.eng.GetMarket(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Kind: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleMarketCount(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]uint64{"count": s.eng.GetMarketCount()})
}

func (s *Server) handlePrices(w http.ResponseWriter, req *http.Request) {
	id, err := marketID(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	yes, no, err := s.eng.GetPrices(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Kind: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"yes_price": yes, "no_price": no})
}

type estimateBuyResponse struct {
	TokensOut string `json:"tokens_out"`
	Fee       string `json:"fee"`
	YesPrice  uint64 `json:"yes_price"`
	NoPrice   uint64 `json:"no_price"`
}

func (s *Server) handleEstimateBuy(w http.ResponseWriter, req *http.Request) {
	id, err := marketID(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	outcome, err := market.ParseOutcome(req.URL.Query().Get("outcome"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseAmountField("amount", req.URL.Query().Get("amount"), true)
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.eng.EstimateBuy(id, outcome, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, estimateBuyResponse{
		TokensOut: res.TokensOut.Dec(),
		Fee:       res.Fee.Dec(),
		YesPrice:  res.YesPrice,
		NoPrice:   res.NoPrice,
	})
}

func (s *Server) handleLPShares(w http.ResponseWriter, req *http.Request) {
	id, err := marketID(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	account := mux.Vars(req)["account"]
	shares := s.eng.GetLPShares(id, account)
	writeJSON(w, http.StatusOK, map[string]string{"account": account, "shares": shares.Dec()})
}

func (s *Server) handleResolutionStatus(w http.ResponseWriter, req *http.Request) {
	id, err := marketID(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rs, err := s.eng.GetResolutionStatus(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Kind: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) handleConfig(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.GetConfig())
}
