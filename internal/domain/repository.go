// Package domain defines the core interfaces and types for Talon.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for the fact warehouse.
// All methods require tenantID for strict multi-tenancy isolation.
// Facts are stored as given; the warehouse does not derive them.
type Repository interface {
	// Fact reads
	GetFlaggedSummary(ctx context.Context, tenantID string, id AccountID) (*FlaggedTransactionSummary, error)
	GetAccountAge(ctx context.Context, tenantID string, id AccountID) (*AccountAgeFact, error)
	GetTags(ctx context.Context, tenantID string, id AccountID) (*TagSet, error)
	GetGraphSnapshot(ctx context.Context, tenantID string, id AccountID) (*GraphPayload, error)
	GetFraudProximity(ctx context.Context, tenantID string, id AccountID) (*FraudProximityFact, error)
	ListMoneyEvents(ctx context.Context, tenantID string, id AccountID, q MoneyEventQuery) ([]MoneyEvent, error)
	ListContacts(ctx context.Context, tenantID string, id AccountID, q ContactQuery) ([]ContactRecord, error)

	// Fact ingestion
	SaveFacts(ctx context.Context, tenantID string, id AccountID, facts *FactsBundle) error

	// Review rule operations
	SaveReviewRule(ctx context.Context, tenantID string, rule *ReviewRule) error
	GetReviewRule(ctx context.Context, tenantID string, ruleID string) (*ReviewRule, error)
	ListReviewRules(ctx context.Context, tenantID string) ([]*ReviewRule, error)
	DeleteReviewRule(ctx context.Context, tenantID string, ruleID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost"`
	PostgresPort     int    `json:"postgresPort"`
	PostgresUser     string `json:"postgresUser"`
	PostgresPassword string `json:"-"`
	PostgresDB       string `json:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime"`
}
