package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/stocklend/borrowdesk/internal/infrastructure/cache"
	"github.com/stocklend/borrowdesk/internal/models"
)

const maxRequestBody = 64 * 1024

// calculateRequest is the wire shape of a locate-fee request. PositionValue
// accepts a JSON number or string; decimal parsing preserves exactness.
type calculateRequest struct {
	Ticker        string          `json:"ticker"`
	ClientID      string          `json:"client_id"`
	PositionValue decimal.Decimal `json:"position_value"`
	LoanDays      int             `json:"loan_days"`
}

// calculateResponse is the public shape of a priced locate. Internal fields
// of the calculation (fingerprint, echoed inputs, timestamp) stay off the
// wire; the total rides at the top level with the components beneath it.
type calculateResponse struct {
	Status         string              `json:"status"`
	TotalFee       decimal.Decimal     `json:"total_fee"`
	Breakdown      breakdownResponse   `json:"breakdown"`
	BorrowRateUsed decimal.Decimal     `json:"borrow_rate_used"`
	BorrowStatus   models.BorrowStatus `json:"borrow_status"`
	RateSource     models.Provenance   `json:"rate_source"`
}

type breakdownResponse struct {
	BorrowCost      decimal.Decimal `json:"borrow_cost"`
	Markup          decimal.Decimal `json:"markup"`
	TransactionFees decimal.Decimal `json:"transaction_fees"`
}

func newCalculateResponse(res models.CalculationResult) calculateResponse {
	return calculateResponse{
		Status:   "success",
		TotalFee: res.Breakdown.TotalFee,
		Breakdown: breakdownResponse{
			BorrowCost:      res.Breakdown.BorrowCost,
			Markup:          res.Breakdown.Markup,
			TransactionFees: res.Breakdown.TransactionFees,
		},
		BorrowRateUsed: res.BorrowRateUsed,
		BorrowStatus:   res.BorrowStatus,
		RateSource:     res.RateSource,
	}
}

// rateResponse is the public shape of a current-rate lookup.
type rateResponse struct {
	CurrentRate  decimal.Decimal     `json:"current_rate"`
	BorrowStatus models.BorrowStatus `json:"borrow_status"`
	AsOf         time.Time           `json:"as_of"`
	Source       models.Provenance   `json:"source"`
}

func newRateResponse(quote models.BorrowRateQuote) rateResponse {
	return rateResponse{
		CurrentRate:  quote.AnnualizedRate,
		BorrowStatus: quote.Status,
		AsOf:         quote.AsOf,
		Source:       quote.Source,
	}
}

func (s *Server) handleCalculateLocate(w http.ResponseWriter, r *http.Request) {
	var req calculateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("decode request: %v: %w", err, models.ErrValidation), 0)
		return
	}

	tier := s.deps.Pricer.ClientTier(r.Context(), req.ClientID)
	if retryAfter, err := s.deps.Limiter.Allow(r.Context(), req.ClientID, tier); err != nil {
		s.writeError(w, r, err, retryAfter)
		return
	}

	result, err := s.deps.Pricer.ComputeFee(r.Context(), req.ClientID, req.Ticker, req.PositionValue, req.LoanDays)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	s.writeJSON(w, r, http.StatusOK, newCalculateResponse(result))
}

func (s *Server) handleCurrentRate(w http.ResponseWriter, r *http.Request) {
	ticker := mux.Vars(r)["ticker"]

	if retryAfter, err := s.deps.Limiter.Allow(r.Context(), callerIdentity(r), models.TierStandard); err != nil {
		s.writeError(w, r, err, retryAfter)
		return
	}

	quote, err := s.deps.Pricer.CurrentRate(r.Context(), ticker)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	s.writeJSON(w, r, http.StatusOK, newRateResponse(quote))
}

// purgeRequest targets one key when ID is set, the whole category otherwise.
type purgeRequest struct {
	Category string `json:"category"`
	ID       string `json:"id,omitempty"`
}

func (s *Server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("decode request: %v: %w", err, models.ErrValidation), 0)
		return
	}
	if !cache.ValidCategory(req.Category) {
		s.writeError(w, r, fmt.Errorf("unknown cache category %q: %w", req.Category, models.ErrValidation), 0)
		return
	}

	if req.ID != "" {
		if err := s.deps.Cache.Purge(r.Context(), req.Category, req.ID); err != nil {
			s.writeError(w, r, err, 0)
			return
		}
		s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"category": req.Category,
			"id":       req.ID,
		})
		return
	}

	removed, err := s.deps.Cache.PurgeCategory(r.Context(), req.Category)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"category": req.Category,
		"removed":  removed,
	})
}

// healthResponse reports per-component status. The service stays "degraded"
// rather than down while fallbacks can still price requests.
type healthResponse struct {
	Status    string            `json:"status"`
	Database  string            `json:"database"`
	Cache     string            `json:"cache"`
	Feeds     map[string]string `json:"feeds,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Database:  "ok",
		Cache:     "ok",
		Timestamp: time.Now().UTC(),
	}

	if s.deps.DB == nil {
		resp.Database = "not configured"
	} else if err := s.deps.DB.PingContext(r.Context()); err != nil {
		resp.Database = "unreachable"
		resp.Status = "degraded"
	}

	if s.deps.Cache == nil {
		resp.Cache = "not configured"
	} else if err := s.deps.Cache.Healthy(r.Context()); err != nil {
		resp.Cache = "unreachable"
		resp.Status = "degraded"
	}

	if s.deps.BreakerStates != nil {
		resp.Feeds = s.deps.BreakerStates()
		for _, state := range resp.Feeds {
			if state != "closed" {
				resp.Status = "degraded"
			}
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, status, resp)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeErrorMessage(w, r, http.StatusNotFound, "NotFound", "no such route")
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeErrorMessage(w, r, http.StatusMethodNotAllowed, "MethodNotAllowed", "method not allowed for this route")
}
