package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/talon/internal/domain"
)

// SaveReviewRule stores a review rule with tenant isolation.
func (r *SQLRepository) SaveReviewRule(ctx context.Context, tenantID string, rule *domain.ReviewRule) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}
	severity := rule.Severity
	if severity == "" {
		severity = domain.SeverityWarn
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO review_rules (
			id, tenant_id, name, description, version, expression, severity, message, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			expression = excluded.expression,
			severity = excluded.severity,
			message = excluded.message,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description, rule.Version,
		rule.Expression, string(severity), rule.Message, enabled,
		now, now,
	)
	return err
}

// GetReviewRule retrieves an enabled review rule with tenant isolation.
func (r *SQLRepository) GetReviewRule(ctx context.Context, tenantID string, ruleID string) (*domain.ReviewRule, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, severity, message, enabled
		FROM review_rules
		WHERE tenant_id = ? AND id = ? AND enabled = 1
	`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListReviewRules retrieves all enabled review rules of a tenant.
func (r *SQLRepository) ListReviewRules(ctx context.Context, tenantID string) ([]*domain.ReviewRule, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, severity, message, enabled
		FROM review_rules
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.ReviewRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// DeleteReviewRule soft-deletes a review rule by setting enabled = 0.
func (r *SQLRepository) DeleteReviewRule(ctx context.Context, tenantID string, ruleID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	query := `
		UPDATE review_rules
		SET enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND enabled = 1
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, ruleID)
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(s scanner) (*domain.ReviewRule, error) {
	var rule domain.ReviewRule
	var description, message sql.NullString
	var severity string
	var enabled int

	if err := s.Scan(
		&rule.ID, &rule.TenantID, &rule.Name, &description, &rule.Version,
		&rule.Expression, &severity, &message, &enabled,
	); err != nil {
		return nil, err
	}

	rule.Description = description.String
	rule.Message = message.String
	rule.Severity = domain.Severity(severity)
	rule.Enabled = enabled == 1
	return &rule, nil
}
