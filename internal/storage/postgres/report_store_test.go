package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/sitescore/auditor/internal/scoring"
)

func sampleReport() scoring.ScoreReport {
	return scoring.ScoreReport{
		OverallScore:       82.5,
		OverallGrade:       scoring.GradeB,
		PagesCrawled:       5,
		GeneratedAt:        time.Unix(1700000000, 0).UTC(),
		MethodologyVersion: scoring.MethodologyVersion,
	}
}

func TestSaveReportUpsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewReportStoreWithPool(mock, "audit_reports")
	require.NoError(t, err)

	report := sampleReport()
	reportJSON, err := json.Marshal(report)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO audit_reports").
		WithArgs(
			"job-1",
			report.OverallScore,
			string(report.OverallGrade),
			report.MethodologyVersion,
			report.GeneratedAt,
			reportJSON,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.SaveReport(context.Background(), "job-1", report)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReportReadsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewReportStoreWithPool(mock, "audit_reports")
	require.NoError(t, err)

	report := sampleReport()
	reportJSON, err := json.Marshal(report)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT report FROM audit_reports").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"report"}).AddRow(reportJSON))

	got, err := store.GetReport(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, report.OverallScore, got.OverallScore)
	require.Equal(t, report.OverallGrade, got.OverallGrade)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReportMissingRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewReportStoreWithPool(mock, "audit_reports")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT report FROM audit_reports").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.GetReport(context.Background(), "missing")
	require.ErrorIs(t, err, ErrReportNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewReportStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewReportStoreWithPool(mock, "bad;table")
	require.Error(t, err)

	store, err := NewReportStoreWithPool(mock, "")
	require.NoError(t, err)
	require.Equal(t, "audit_reports", store.table)
}
