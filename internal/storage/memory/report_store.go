// Package memory provides in-memory persistence for development and testing.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sitescore/auditor/internal/audit"
	"github.com/sitescore/auditor/internal/scoring"
)

// ErrReportNotFound is returned when no report exists for a job ID.
var ErrReportNotFound = audit.ErrReportNotFound

// ReportStore keeps score reports in a map.
type ReportStore struct {
	mu      sync.RWMutex
	reports map[string]scoring.ScoreReport
}

// NewReportStore constructs a ReportStore.
func NewReportStore() *ReportStore {
	return &ReportStore{
		reports: make(map[string]scoring.ScoreReport),
	}
}

// SaveReport stores the report for a job, replacing any previous one.
func (s *ReportStore) SaveReport(_ context.Context, jobID string, report scoring.ScoreReport) error {
	if jobID == "" {
		return errors.New("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[jobID] = report
	return nil
}

// GetReport fetches the report for a job by ID.
func (s *ReportStore) GetReport(_ context.Context, jobID string) (scoring.ScoreReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	report, ok := s.reports[jobID]
	if !ok {
		return scoring.ScoreReport{}, fmt.Errorf("job %s: %w", jobID, ErrReportNotFound)
	}
	return report, nil
}
