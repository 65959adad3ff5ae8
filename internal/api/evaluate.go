package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/talon/internal/bus"
	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/report"
	"github.com/opensource-finance/talon/internal/repository"
)

const (
	maxBatchSize       = 500
	defaultCaseTimeout = 30 * time.Second
)

// EvaluateResponse is the response of an account evaluation.
type EvaluateResponse struct {
	*domain.DecisionResponse
	NeedsManualReview bool           `json:"needsManualReview"`
	Report            *report.Report `json:"report"`
}

// EvaluateAccount handles POST /accounts/{accountId}/evaluate.
// ?format=text answers with the plain-text report.
func (h *Handler) EvaluateAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := domain.AccountID(chi.URLParam(r, "accountId"))

	d, err := h.engine.EvaluateTenant(ctx, tenantID, id, h.signals.Fetcher(tenantID))
	if err != nil {
		writeError(w, decisionStatus(err), err.Error())
		return
	}
	h.respondDecision(w, r, d)
}

func (h *Handler) respondDecision(w http.ResponseWriter, r *http.Request, d *domain.Decision) {
	flags := h.rules.Evaluate(r.Context(), d)
	rep := h.reports.Build(d, flags)

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if err := report.Render(w, rep); err != nil {
			slog.Debug("failed to write report", "decision_id", d.ID, "error", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, EvaluateResponse{
		DecisionResponse:  d.ToResponse(flags),
		NeedsManualReview: rep.NeedsManualReview,
		Report:            rep,
	})
}

// PutFacts handles PUT /accounts/{accountId}/facts.
// Stored facts replace the previous ones and drop the account's cached facts.
func (h *Handler) PutFacts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := domain.AccountID(chi.URLParam(r, "accountId"))

	var facts domain.FactsBundle
	if err := decodeJSON(w, r, &facts); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.repo.SaveFacts(ctx, tenantID, id, &facts); err != nil {
		if errors.Is(err, repository.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("failed to save facts", "tenant_id", tenantID, "account_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save facts")
		return
	}

	if err := h.signals.Invalidate(ctx, tenantID, id); err != nil {
		slog.Warn("failed to invalidate cached facts", "tenant_id", tenantID, "account_id", id, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accountId": id,
		"status":    "stored",
	})
}

// BatchRequest is the request body for POST /evaluate/batch.
type BatchRequest struct {
	AccountIDs  []domain.AccountID `json:"accountIds"`
	Concurrency int                `json:"concurrency,omitempty"`
}

// BatchItem is the outcome of one account of a batch.
type BatchItem struct {
	AccountID         domain.AccountID         `json:"accountId"`
	Verdict           domain.Verdict           `json:"verdict,omitempty"`
	ReasonCode        domain.ReasonCode        `json:"reasonCode,omitempty"`
	NeedsManualReview bool                     `json:"needsManualReview"`
	Decision          *domain.DecisionResponse `json:"decision,omitempty"`
	Error             string                   `json:"error,omitempty"`
}

// BatchResponse is the response for POST /evaluate/batch.
type BatchResponse struct {
	Results  []BatchItem            `json:"results"`
	Verdicts map[domain.Verdict]int `json:"verdicts"`
	Failed   int                    `json:"failed"`
	TotalMs  int64                  `json:"totalMs"`
}

// EvaluateBatch handles POST /evaluate/batch.
func (h *Handler) EvaluateBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req BatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.AccountIDs) == 0 {
		writeError(w, http.StatusBadRequest, "accountIds is required")
		return
	}
	if len(req.AccountIDs) > maxBatchSize {
		writeError(w, http.StatusBadRequest, "at most "+strconv.Itoa(maxBatchSize)+" accounts per batch")
		return
	}
	for _, id := range req.AccountIDs {
		if id == "" {
			writeError(w, http.StatusBadRequest, "accountIds must not contain empty ids")
			return
		}
	}

	results := h.engine.EvaluateBatch(ctx, tenantID, req.AccountIDs, h.signals.Fetcher(tenantID), req.Concurrency)

	resp := BatchResponse{
		Results:  make([]BatchItem, len(results)),
		Verdicts: make(map[domain.Verdict]int),
	}
	for i, res := range results {
		item := BatchItem{AccountID: res.AccountID}
		if res.Err != nil {
			item.Error = res.Err.Error()
			resp.Failed++
		} else {
			flags := h.rules.Evaluate(ctx, res.Decision)
			item.Verdict = res.Decision.Verdict
			item.ReasonCode = res.Decision.ReasonCode
			item.NeedsManualReview = res.Decision.Unverified() || domain.HasCritical(flags)
			item.Decision = res.Decision.ToResponse(flags)
			resp.Verdicts[res.Decision.Verdict]++
		}
		resp.Results[i] = item
	}
	resp.TotalMs = time.Since(start).Milliseconds()

	slog.Info("batch evaluated",
		"tenant_id", tenantID,
		"accounts", len(results),
		"failed", resp.Failed,
		"duration_ms", resp.TotalMs,
	)
	writeJSON(w, http.StatusOK, resp)
}

// SubmitCase handles POST /cases. The case is queued for the worker and
// answered with 202; ?wait=true blocks until the worker replies.
func (h *Handler) SubmitCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	var req domain.CaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "accountId is required")
		return
	}
	if req.CaseID == "" {
		req.CaseID = uuid.New().String()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode case")
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		h.awaitCase(w, ctx, tenantID, payload)
		return
	}

	if err := h.bus.Publish(ctx, tenantID, domain.TopicCaseSubmitted, payload); err != nil {
		slog.Error("failed to enqueue case", "tenant_id", tenantID, "account_id", req.AccountID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to enqueue case")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"caseId":    req.CaseID,
		"accountId": req.AccountID,
		"status":    "queued",
	})
}

func (h *Handler) awaitCase(w http.ResponseWriter, ctx context.Context, tenantID string, payload []byte) {
	ctx, cancel := context.WithTimeout(ctx, defaultCaseTimeout)
	defer cancel()

	reply, err := h.bus.Request(ctx, tenantID, domain.TopicCaseSubmitted, payload)
	switch {
	case errors.Is(err, bus.ErrRequestUnsupported):
		writeError(w, http.StatusNotImplemented, err.Error())
		return
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "no worker answered in time")
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	var outcome domain.CaseOutcome
	if err := json.Unmarshal(reply, &outcome); err != nil {
		writeError(w, http.StatusBadGateway, "invalid worker reply")
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}
