package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/repository"
	"github.com/opensource-finance/talon/internal/rules"
)

// RuleRequest is the request body for POST /rules.
type RuleRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Version     string          `json:"version"`
	Expression  string          `json:"expression"`
	Severity    domain.Severity `json:"severity"`
	Message     string          `json:"message"`
	Enabled     *bool           `json:"enabled,omitempty"`
}

// ListRules handles GET /rules: the global rules and the tenant's own.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.rules.RulesFor(GetTenantID(r.Context()))
	if loaded == nil {
		loaded = []*domain.ReviewRule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// GetRule handles GET /rules/{id}. A tenant rule shadows a global rule of the same id.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())
	id := chi.URLParam(r, "id")

	var found *domain.ReviewRule
	for _, rule := range h.rules.RulesFor(tenantID) {
		if rule.ID != id {
			continue
		}
		if found == nil || rule.TenantID == tenantID {
			found = rule
		}
	}
	if found == nil {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	writeJSON(w, http.StatusOK, found)
}

// CreateRule handles POST /rules. The rule is compiled before it is stored,
// so a rule that does not compile never reaches the repository.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req RuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Expression == "" {
		writeError(w, http.StatusBadRequest, "expression is required")
		return
	}

	rule := &domain.ReviewRule{
		ID:          req.ID,
		TenantID:    tenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     req.Version,
		Expression:  req.Expression,
		Severity:    req.Severity,
		Message:     req.Message,
		Enabled:     req.Enabled == nil || *req.Enabled,
	}
	if rule.Version == "" {
		rule.Version = "1"
	}

	if err := h.rules.ValidateRule(rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.repo.SaveReviewRule(ctx, tenantID, rule); err != nil {
		if errors.Is(err, repository.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("failed to save rule", "tenant_id", tenantID, "rule_id", rule.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}

	if rule.Enabled {
		if err := h.rules.LoadRule(rule); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else {
		h.rules.UnloadRule(tenantID, rule.ID)
	}

	slog.Info("review rule saved", "tenant_id", tenantID, "rule_id", rule.ID, "enabled", rule.Enabled)
	writeJSON(w, http.StatusCreated, rule)
}

// DeleteRule handles DELETE /rules/{id}. Only tenant rules can be deleted.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	if err := h.repo.DeleteReviewRule(ctx, tenantID, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "rule not found")
			return
		}
		slog.Error("failed to delete rule", "tenant_id", tenantID, "rule_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete rule")
		return
	}
	h.rules.UnloadRule(tenantID, id)

	w.WriteHeader(http.StatusNoContent)
}

// ReloadRules handles POST /rules/reload: the tenant's rules are replaced by
// what the repository holds. Global rules stay loaded.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	stored, err := h.repo.ListReviewRules(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list rules", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}

	if err := h.rules.ReloadTenantRules(tenantID, stored); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "reloaded",
		"loaded": len(stored),
		"global": len(h.rules.RulesFor(rules.GlobalTenantID)),
	})
}
