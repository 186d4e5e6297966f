// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sitescore/auditor/internal/audit"
	"github.com/sitescore/auditor/internal/scoring"
)

// ErrReportNotFound is returned when no report row exists for a job ID.
var ErrReportNotFound = audit.ErrReportNotFound

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ReportStoreConfig controls the Postgres connection pool used for report rows.
type ReportStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// ReportStore writes score reports into Postgres, one row per job.
type ReportStore struct {
	pool  pgxPool
	table string
}

// NewReportStore creates a Postgres-backed ReportStore using the provided config.
func NewReportStore(ctx context.Context, cfg ReportStoreConfig) (*ReportStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "audit_reports"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ReportStore{
		pool:  pool,
		table: table,
	}, nil
}

// NewReportStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewReportStoreWithPool(pool pgxPool, table string) (*ReportStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "audit_reports"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ReportStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *ReportStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SaveReport upserts the report row for a job. The full report is stored as
// JSONB; score, grade and generation time are lifted into columns for queries.
func (s *ReportStore) SaveReport(ctx context.Context, jobID string, report scoring.ScoreReport) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("report store is not configured")
	}
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	overall_score,
	overall_grade,
	methodology_version,
	generated_at,
	report
) VALUES (
	$1,$2,$3,$4,$5,$6
)
ON CONFLICT (job_id) DO UPDATE SET
	overall_score = EXCLUDED.overall_score,
	overall_grade = EXCLUDED.overall_grade,
	methodology_version = EXCLUDED.methodology_version,
	generated_at = EXCLUDED.generated_at,
	report = EXCLUDED.report`, s.table)

	args := []any{
		jobID,
		report.OverallScore,
		string(report.OverallGrade),
		report.MethodologyVersion,
		report.GeneratedAt,
		reportJSON,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert report: %w", err)
	}
	return nil
}

// GetReport reads the report row for a job by ID.
func (s *ReportStore) GetReport(ctx context.Context, jobID string) (scoring.ScoreReport, error) {
	if s == nil || s.pool == nil {
		return scoring.ScoreReport{}, fmt.Errorf("report store is not configured")
	}
	query := fmt.Sprintf(`SELECT report FROM %s WHERE job_id = $1`, s.table)

	var reportJSON []byte
	if err := s.pool.QueryRow(ctx, query, jobID).Scan(&reportJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scoring.ScoreReport{}, fmt.Errorf("job %s: %w", jobID, ErrReportNotFound)
		}
		return scoring.ScoreReport{}, fmt.Errorf("select report: %w", err)
	}
	var report scoring.ScoreReport
	if err := json.Unmarshal(reportJSON, &report); err != nil {
		return scoring.ScoreReport{}, fmt.Errorf("unmarshal report: %w", err)
	}
	return report, nil
}
