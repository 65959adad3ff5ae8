package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/tags"
)

// Tag sources in account_tags.
const (
	tagSourceAllowList = "allow_list"
	tagSourceProfile   = "profile"
)

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// GetFlaggedSummary returns the flagged-transaction summary of an account.
// A missing row is returned as nil, nil: the account has no flagged transactions.
func (r *SQLRepository) GetFlaggedSummary(ctx context.Context, tenantID string, id domain.AccountID) (*domain.FlaggedTransactionSummary, error) {
	if err := requireKey(tenantID, id); err != nil {
		return nil, err
	}

	query := `
		SELECT flagged_count, flagged_amount, total_tx_count, total_received, reference_date
		FROM flagged_summaries
		WHERE tenant_id = ? AND account_id = ?
	`

	s := domain.FlaggedTransactionSummary{AccountID: id}
	var ref sql.NullTime

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, string(id)).Scan(
		&s.Count, &s.TotalAmount, &s.TotalTransactionCount, &s.TotalReceivedAmount, &ref,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read flagged summary: %w", err)
	}

	if ref.Valid {
		t := ref.Time.UTC()
		s.ReferenceDate = &t
	}
	return &s, nil
}

// GetAccountAge returns the creation facts of an account, nil when unknown.
func (r *SQLRepository) GetAccountAge(ctx context.Context, tenantID string, id domain.AccountID) (*domain.AccountAgeFact, error) {
	if err := requireKey(tenantID, id); err != nil {
		return nil, err
	}

	query := `
		SELECT creation_date, age_days
		FROM accounts
		WHERE tenant_id = ? AND account_id = ?
	`

	var created sql.NullTime
	var days sql.NullInt64

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, string(id)).Scan(&created, &days)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read account age: %w", err)
	}

	var f domain.AccountAgeFact
	if created.Valid {
		t := created.Time.UTC()
		f.CreationDate = &t
	}
	if days.Valid {
		d := int(days.Int64)
		f.AgeInDays = &d
	}
	return &f, nil
}

// GetTags returns the tags of both sources. Missing sources are empty.
func (r *SQLRepository) GetTags(ctx context.Context, tenantID string, id domain.AccountID) (*domain.TagSet, error) {
	if err := requireKey(tenantID, id); err != nil {
		return nil, err
	}

	query := `
		SELECT source, tags
		FROM account_tags
		WHERE tenant_id = ? AND account_id = ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read tags: %w", err)
	}
	defer rows.Close()

	var set domain.TagSet
	for rows.Next() {
		var source, raw string
		if err := rows.Scan(&source, &raw); err != nil {
			return nil, err
		}
		switch source {
		case tagSourceAllowList:
			set.AllowList = tags.ParseField(raw)
		case tagSourceProfile:
			set.Profile = tags.ParseField(raw)
		}
	}
	return &set, rows.Err()
}

// GetGraphSnapshot returns the stored relationship graph, nil when none was stored.
func (r *SQLRepository) GetGraphSnapshot(ctx context.Context, tenantID string, id domain.AccountID) (*domain.GraphPayload, error) {
	if err := requireKey(tenantID, id); err != nil {
		return nil, err
	}

	query := `
		SELECT payload
		FROM graph_snapshots
		WHERE tenant_id = ? AND account_id = ?
	`

	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, string(id)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read graph snapshot: %w", err)
	}

	var g domain.GraphPayload
	if err := json.Unmarshal([]byte(payload), &g); err != nil {
		return nil, fmt.Errorf("%w: stored graph snapshot: %v", domain.ErrMalformedPayload, err)
	}
	return &g, nil
}

// GetFraudProximity returns the stored fraud-proximity counters, nil when none were stored.
func (r *SQLRepository) GetFraudProximity(ctx context.Context, tenantID string, id domain.AccountID) (*domain.FraudProximityFact, error) {
	if err := requireKey(tenantID, id); err != nil {
		return nil, err
	}

	query := `
		SELECT user_count, confirmed_count, almost_count, maybe_count, ato_count
		FROM fraud_proximity
		WHERE tenant_id = ? AND account_id = ?
	`

	var f domain.FraudProximityFact
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, string(id)).Scan(
		&f.UsersAnalyzed, &f.FraudConfirmedCount, &f.FraudAlmostCount, &f.FraudMaybeCount, &f.FraudAtoCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read fraud proximity: %w", err)
	}
	return &f, nil
}

// ListMoneyEvents returns the money events of an account inside the query window,
// oldest first. Zero bounds are open.
func (r *SQLRepository) ListMoneyEvents(ctx context.Context, tenantID string, id domain.AccountID, q domain.MoneyEventQuery) ([]domain.MoneyEvent, error) {
	if err := requireKey(tenantID, id); err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT id, kind, amount, occurred_at, source_table
		FROM money_events
		WHERE tenant_id = ? AND account_id = ?`)
	args := []any{tenantID, string(id)}
	if !q.Since.IsZero() {
		sb.WriteString(" AND occurred_at >= ?")
		args = append(args, q.Since.UTC())
	}
	if !q.Until.IsZero() {
		sb.WriteString(" AND occurred_at <= ?")
		args = append(args, q.Until.UTC())
	}
	sb.WriteString(" ORDER BY occurred_at, id")

	rows, err := r.db.QueryContext(ctx, r.rebind(sb.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list money events: %w", err)
	}
	defer rows.Close()

	var events []domain.MoneyEvent
	for rows.Next() {
		var e domain.MoneyEvent
		var kind string
		var source sql.NullString
		if err := rows.Scan(&e.ID, &kind, &e.Amount, &e.Timestamp, &source); err != nil {
			return nil, err
		}
		e.Kind = domain.MoneyEventKind(kind)
		e.Timestamp = e.Timestamp.UTC()
		e.SourceTable = source.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListContacts returns the dispute cases of an account matching the query.
func (r *SQLRepository) ListContacts(ctx context.Context, tenantID string, id domain.AccountID, q domain.ContactQuery) ([]domain.ContactRecord, error) {
	if err := requireKey(tenantID, id); err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT case_id, subtype, opened_at
		FROM contact_cases
		WHERE tenant_id = ? AND account_id = ?`)
	args := []any{tenantID, string(id)}
	// Cases recorded without a subtype count for every subtype.
	if q.Subtype != "" {
		sb.WriteString(" AND (subtype = ? OR subtype = '')")
		args = append(args, q.Subtype)
	}
	if !q.OpenedAfter.IsZero() {
		sb.WriteString(" AND opened_at > ?")
		args = append(args, q.OpenedAfter.UTC())
	}
	sb.WriteString(" ORDER BY opened_at, case_id")

	rows, err := r.db.QueryContext(ctx, r.rebind(sb.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	defer rows.Close()

	var records []domain.ContactRecord
	for rows.Next() {
		var c domain.ContactRecord
		if err := rows.Scan(&c.CaseID, &c.Subtype, &c.OpenedAt); err != nil {
			return nil, err
		}
		c.OpenedAt = c.OpenedAt.UTC()
		records = append(records, c)
	}
	return records, rows.Err()
}

// SaveFacts upserts every fact present in the bundle in one transaction.
// Money events and contacts are merged by id; absent facts are left untouched.
func (r *SQLRepository) SaveFacts(ctx context.Context, tenantID string, id domain.AccountID, facts *domain.FactsBundle) error {
	if err := requireKey(tenantID, id); err != nil {
		return err
	}
	if facts == nil {
		return fmt.Errorf("%w: facts are required", ErrInvalidInput)
	}
	if err := validateFacts(facts); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	steps := []func() error{
		func() error { return r.saveSummary(ctx, tx, tenantID, id, facts.Summary, now) },
		func() error { return r.saveAge(ctx, tx, tenantID, id, facts.Age, now) },
		func() error { return r.saveTags(ctx, tx, tenantID, id, facts.Tags, now) },
		func() error { return r.saveGraph(ctx, tx, tenantID, id, facts.Graph, now) },
		func() error { return r.saveProximity(ctx, tx, tenantID, id, facts.FraudProximity, now) },
		func() error { return r.saveMoneyEvents(ctx, tx, tenantID, id, facts.MoneyEvents) },
		func() error { return r.saveContacts(ctx, tx, tenantID, id, facts.Contacts) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit facts: %w", err)
	}
	return nil
}

func validateFacts(f *domain.FactsBundle) error {
	if s := f.Summary; s != nil {
		if s.Count < 0 || s.TotalTransactionCount < 0 {
			return fmt.Errorf("%w: counts must not be negative", ErrInvalidInput)
		}
		if s.TotalAmount.IsNegative() || s.TotalReceivedAmount.IsNegative() {
			return fmt.Errorf("%w: amounts must not be negative", ErrInvalidInput)
		}
	}
	for _, e := range f.MoneyEvents {
		if e.Kind != domain.MoneyInflow && e.Kind != domain.MoneyOutflow {
			return fmt.Errorf("%w: money event kind %q", ErrInvalidInput, e.Kind)
		}
		if !e.Amount.IsPositive() {
			return fmt.Errorf("%w: money event amount must be positive", ErrInvalidInput)
		}
		if e.Timestamp.IsZero() {
			return fmt.Errorf("%w: money event timestamp is required", ErrInvalidInput)
		}
	}
	for _, c := range f.Contacts {
		if c.OpenedAt.IsZero() {
			return fmt.Errorf("%w: contact openedAt is required", ErrInvalidInput)
		}
	}
	return nil
}

func (r *SQLRepository) saveSummary(ctx context.Context, db dbtx, tenantID string, id domain.AccountID, s *domain.FlaggedTransactionSummary, now time.Time) error {
	if s == nil {
		return nil
	}

	var ref sql.NullTime
	if s.ReferenceDate != nil {
		ref = sql.NullTime{Time: s.ReferenceDate.UTC(), Valid: true}
	}

	query := `
		INSERT INTO flagged_summaries (
			tenant_id, account_id, flagged_count, flagged_amount, total_tx_count, total_received, reference_date, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, account_id) DO UPDATE SET
			flagged_count = excluded.flagged_count,
			flagged_amount = excluded.flagged_amount,
			total_tx_count = excluded.total_tx_count,
			total_received = excluded.total_received,
			reference_date = excluded.reference_date,
			updated_at = excluded.updated_at
	`

	_, err := db.ExecContext(ctx, r.rebind(query),
		tenantID, string(id), s.Count, s.TotalAmount.String(),
		s.TotalTransactionCount, s.TotalReceivedAmount.String(), ref, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save flagged summary: %w", err)
	}
	return nil
}

func (r *SQLRepository) saveAge(ctx context.Context, db dbtx, tenantID string, id domain.AccountID, a *domain.AccountAgeFact, now time.Time) error {
	if a == nil {
		return nil
	}

	var created sql.NullTime
	if a.CreationDate != nil {
		created = sql.NullTime{Time: a.CreationDate.UTC(), Valid: true}
	}
	var days sql.NullInt64
	if a.AgeInDays != nil {
		days = sql.NullInt64{Int64: int64(*a.AgeInDays), Valid: true}
	}

	query := `
		INSERT INTO accounts (tenant_id, account_id, creation_date, age_days, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, account_id) DO UPDATE SET
			creation_date = excluded.creation_date,
			age_days = excluded.age_days,
			updated_at = excluded.updated_at
	`

	if _, err := db.ExecContext(ctx, r.rebind(query), tenantID, string(id), created, days, now); err != nil {
		return fmt.Errorf("failed to save account age: %w", err)
	}
	return nil
}

func (r *SQLRepository) saveTags(ctx context.Context, db dbtx, tenantID string, id domain.AccountID, t *domain.TagSet, now time.Time) error {
	if t == nil {
		return nil
	}

	query := `
		INSERT INTO account_tags (tenant_id, account_id, source, tags, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, account_id, source) DO UPDATE SET
			tags = excluded.tags,
			updated_at = excluded.updated_at
	`

	for source, values := range map[string][]string{
		tagSourceAllowList: t.AllowList,
		tagSourceProfile:   t.Profile,
	} {
		if values == nil {
			values = []string{}
		}
		raw, err := json.Marshal(values)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, r.rebind(query), tenantID, string(id), source, string(raw), now); err != nil {
			return fmt.Errorf("failed to save %s tags: %w", source, err)
		}
	}
	return nil
}

func (r *SQLRepository) saveGraph(ctx context.Context, db dbtx, tenantID string, id domain.AccountID, g *domain.GraphPayload, now time.Time) error {
	if g == nil {
		return nil
	}

	payload, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to encode graph snapshot: %w", err)
	}

	query := `
		INSERT INTO graph_snapshots (tenant_id, account_id, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, account_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`

	if _, err := db.ExecContext(ctx, r.rebind(query), tenantID, string(id), string(payload), now); err != nil {
		return fmt.Errorf("failed to save graph snapshot: %w", err)
	}
	return nil
}

func (r *SQLRepository) saveProximity(ctx context.Context, db dbtx, tenantID string, id domain.AccountID, f *domain.FraudProximityFact, now time.Time) error {
	if f == nil {
		return nil
	}

	query := `
		INSERT INTO fraud_proximity (
			tenant_id, account_id, user_count, confirmed_count, almost_count, maybe_count, ato_count, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, account_id) DO UPDATE SET
			user_count = excluded.user_count,
			confirmed_count = excluded.confirmed_count,
			almost_count = excluded.almost_count,
			maybe_count = excluded.maybe_count,
			ato_count = excluded.ato_count,
			updated_at = excluded.updated_at
	`

	_, err := db.ExecContext(ctx, r.rebind(query),
		tenantID, string(id), f.UsersAnalyzed, f.FraudConfirmedCount,
		f.FraudAlmostCount, f.FraudMaybeCount, f.FraudAtoCount, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save fraud proximity: %w", err)
	}
	return nil
}

func (r *SQLRepository) saveMoneyEvents(ctx context.Context, db dbtx, tenantID string, id domain.AccountID, events []domain.MoneyEvent) error {
	query := `
		INSERT INTO money_events (tenant_id, account_id, id, kind, amount, occurred_at, source_table)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, account_id, id) DO UPDATE SET
			kind = excluded.kind,
			amount = excluded.amount,
			occurred_at = excluded.occurred_at,
			source_table = excluded.source_table
	`

	for _, e := range events {
		eventID := e.ID
		if eventID == "" {
			eventID = uuid.New().String()
		}
		_, err := db.ExecContext(ctx, r.rebind(query),
			tenantID, string(id), eventID, string(e.Kind), e.Amount.String(), e.Timestamp.UTC(), e.SourceTable,
		)
		if err != nil {
			return fmt.Errorf("failed to save money event %s: %w", eventID, err)
		}
	}
	return nil
}

func (r *SQLRepository) saveContacts(ctx context.Context, db dbtx, tenantID string, id domain.AccountID, records []domain.ContactRecord) error {
	query := `
		INSERT INTO contact_cases (tenant_id, account_id, case_id, subtype, opened_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, account_id, case_id) DO UPDATE SET
			subtype = excluded.subtype,
			opened_at = excluded.opened_at
	`

	for _, c := range records {
		caseID := c.CaseID
		if caseID == "" {
			caseID = uuid.New().String()
		}
		if _, err := db.ExecContext(ctx, r.rebind(query), tenantID, string(id), caseID, c.Subtype, c.OpenedAt.UTC()); err != nil {
			return fmt.Errorf("failed to save contact %s: %w", caseID, err)
		}
	}
	return nil
}
