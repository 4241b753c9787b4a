// Package audit persists every plan version that leaves draft and every
// execution result, append-only. Rows are never updated or deleted; the
// history is the audit trail.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	contractx "github.com/jirayu/concierge/agent/contract"
	statex "github.com/jirayu/concierge/agent/state"
)

type Config struct {
	DSN string `envconfig:"DSN" split_words:"true" required:"true"`
}

type planVersionRow struct {
	bun.BaseModel `bun:"table:plan_versions"`

	ID        int64     `bun:"id,pk,autoincrement"`
	PlanID    string    `bun:"plan_id,notnull"`
	SessionID string    `bun:"session_id,notnull"`
	Version   int       `bun:"version,notnull"`
	Status    string    `bun:"status,notnull"`
	Document  []byte    `bun:"document,type:jsonb,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

type stepResultRow struct {
	bun.BaseModel `bun:"table:step_results"`

	ID          int64     `bun:"id,pk,autoincrement"`
	PlanID      string    `bun:"plan_id,notnull"`
	PlanVersion int       `bun:"plan_version,notnull"`
	StepID      string    `bun:"step_id,notnull"`
	Success     bool      `bun:"success,notnull"`
	Detail      []byte    `bun:"detail,type:jsonb,notnull"`
	CreatedAt   time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// PostgresArchive implements contract.Archive over bun.
type PostgresArchive struct {
	db *bun.DB
}

var _ contractx.Archive = (*PostgresArchive)(nil)

func NewPostgres(cfg Config) (*PostgresArchive, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN)))
	db := bun.NewDB(sqldb, pgdialect.New())
	return &PostgresArchive{db: db}, nil
}

// CreateTables provisions the archive schema. Safe to call on every
// startup.
func (a *PostgresArchive) CreateTables(ctx context.Context) error {
	for _, model := range []any{(*planVersionRow)(nil), (*stepResultRow)(nil)} {
		if _, err := a.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create archive table: %w", err)
		}
	}
	return nil
}

func (a *PostgresArchive) PlanVersion(ctx context.Context, p *statex.Plan) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal plan document: %w", err)
	}
	row := &planVersionRow{
		PlanID:    p.ID,
		SessionID: p.SessionID,
		Version:   p.Version,
		Status:    string(p.Status),
		Document:  doc,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := a.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("insert plan version: %w", err)
	}
	return nil
}

func (a *PostgresArchive) StepResult(ctx context.Context, planID string, planVersion int, res *statex.ExecutionResult) error {
	detail, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal execution result: %w", err)
	}
	row := &stepResultRow{
		PlanID:      planID,
		PlanVersion: planVersion,
		StepID:      res.StepID,
		Success:     res.Success,
		Detail:      detail,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := a.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("insert step result: %w", err)
	}
	return nil
}

func (a *PostgresArchive) Close() error {
	return a.db.Close()
}
