package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/graph"
	"github.com/opensource-finance/talon/internal/report"
	"github.com/opensource-finance/talon/internal/signals"
	"github.com/opensource-finance/talon/internal/velocity"
)

// AnalyzeGraph handles POST /analyze/graph.
// The body is a relationship-graph payload; the response is its shared-resource analysis.
func (h *Handler) AnalyzeGraph(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	payload, err := graph.DecodePayload(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, graph.Analyze(payload))
}

// VelocityRequest is the request body for POST /analyze/velocity.
// Zero-valued knobs fall back to the engine configuration.
type VelocityRequest struct {
	Events          []domain.MoneyEvent `json:"events"`
	ThresholdHours  float64             `json:"thresholdHours,omitempty"`
	LookaheadHours  float64             `json:"lookaheadHours,omitempty"`
	MaxInflows      int                 `json:"maxInflows,omitempty"`
	SamplePairLimit int                 `json:"samplePairLimit,omitempty"`
}

// VelocityResponse is the response for POST /analyze/velocity.
type VelocityResponse struct {
	Result domain.VelocityResult `json:"result"`
	View   *report.VelocityView  `json:"view"`
}

// AnalyzeVelocity handles POST /analyze/velocity.
func (h *Handler) AnalyzeVelocity(w http.ResponseWriter, r *http.Request) {
	var req VelocityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ThresholdHours < 0 || req.LookaheadHours < 0 || req.MaxInflows < 0 || req.SamplePairLimit < 0 {
		writeError(w, http.StatusBadRequest, "velocity options must not be negative")
		return
	}
	for i, e := range req.Events {
		if e.Kind != domain.MoneyInflow && e.Kind != domain.MoneyOutflow {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("events[%d]: unknown kind %q", i, e.Kind))
			return
		}
	}

	opts := velocity.OptionsFrom(h.engine.Config())
	if req.ThresholdHours > 0 {
		opts.Threshold = time.Duration(req.ThresholdHours * float64(time.Hour))
	}
	if req.LookaheadHours > 0 {
		opts.Lookahead = time.Duration(req.LookaheadHours * float64(time.Hour))
	}
	if req.MaxInflows > 0 {
		opts.MaxInflows = req.MaxInflows
	}
	if req.SamplePairLimit > 0 {
		opts.SampleLimit = req.SamplePairLimit
	}

	inflows, outflows := velocity.Split(velocity.Merge(req.Events))
	res := velocity.Analyze(inflows, outflows, opts)

	writeJSON(w, http.StatusOK, VelocityResponse{
		Result: res,
		View:   report.NewVelocityView(&res),
	})
}

// DecisionRequest is the request body for POST /analyze/decision.
type DecisionRequest struct {
	AccountID domain.AccountID    `json:"accountId"`
	Facts     *domain.FactsBundle `json:"facts"`
}

// AnalyzeDecision handles POST /analyze/decision.
// The decision runs on the facts in the body only; nothing is read from the warehouse.
func (h *Handler) AnalyzeDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req DecisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "accountId is required")
		return
	}
	if req.Facts == nil {
		writeError(w, http.StatusBadRequest, "facts are required")
		return
	}

	fetcher := signals.NewStatic(req.AccountID, req.Facts)
	d, err := h.engine.EvaluateTenant(ctx, GetTenantID(ctx), req.AccountID, fetcher)
	if err != nil {
		writeError(w, decisionStatus(err), err.Error())
		return
	}
	h.respondDecision(w, r, d)
}
