package sink

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch/pkg/config"
	"dispatch/pkg/database"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// MigrationsDir is passed to database.NewMigrator for this sink's schema.
const MigrationsDir = "migrations"

// postgresSink persists every topic to a single append-only audit_events
// table, keyed by topic and a JSONB payload — simplest schema that still
// lets operators query per-topic history (security_incidents, fraud
// scores, ...) without one table per topic.
type postgresSink struct {
	db database.DB
}

// NewPostgres builds a Sink backed by Postgres. Run Migrate against the
// same pool before first use.
func NewPostgres(db database.DB) Sink {
	return &postgresSink{db: db}
}

// Migrate applies this package's embedded migrations against pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool, cfg *config.DatabaseConfig) error {
	return database.RunMigrations(ctx, pool, cfg, migrationFS, MigrationsDir)
}

// AppendAudit inserts one row into audit_events.
func (s *postgresSink) AppendAudit(ctx context.Context, topic string, record any) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO audit_events (topic, payload) VALUES ($1, $2)`,
		topic, payload,
	)
	return err
}

// AppendBatch inserts several records under one topic in a single
// transaction, so a partially written report never reaches operators.
// Report jobs use this for the overview plus per-op rows.
func (s *postgresSink) AppendBatch(ctx context.Context, topic string, records []any) error {
	if len(records) == 0 {
		return nil
	}

	return database.WithTransaction(ctx, s.db, func(tx pgx.Tx) error {
		for _, record := range records {
			payload, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("marshal audit record: %w", err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO audit_events (topic, payload) VALUES ($1, $2)`,
				topic, payload,
			); err != nil {
				return err
			}
		}
		return nil
	})
}
