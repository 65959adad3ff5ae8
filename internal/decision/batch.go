package decision

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/talon/internal/domain"
)

// BatchResult is the outcome of one account in a batch.
type BatchResult struct {
	AccountID domain.AccountID `json:"accountId"`
	Decision  *domain.Decision `json:"decision,omitempty"`
	Err       error            `json:"-"`
}

// EvaluateBatch evaluates accounts with at most limit evaluations in flight.
// Results keep the input order; a failed account does not stop the others.
func (e *Engine) EvaluateBatch(ctx context.Context, tenantID string, ids []domain.AccountID, fetcher domain.SignalFetcher, limit int) []BatchResult {
	if limit <= 0 {
		limit = e.cfg.BatchConcurrency
	}

	results := make([]BatchResult, len(ids))
	var g errgroup.Group
	g.SetLimit(limit)

	for i, id := range ids {
		g.Go(func() error {
			d, err := e.EvaluateTenant(ctx, tenantID, id, fetcher)
			results[i] = BatchResult{AccountID: id, Decision: d, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}
