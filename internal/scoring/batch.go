package scoring

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/defterlab/kestrel/internal/domain"
)

// RunBatch scores every company with documents in the window, one
// subject at a time. A failing subject is recorded in the report and
// the batch continues.
func (r *Runner) RunBatch(ctx context.Context, tenantID string) (*domain.BatchReport, error) {
	now := time.Now().UTC()
	window := domain.Window{From: now.AddDate(0, 0, -r.detector.PatternWindowDays), To: now}

	companyIDs, err := r.repo.ListCompanyIDs(ctx, tenantID, window)
	if err != nil {
		return nil, err
	}

	report := &domain.BatchReport{
		TenantID:  tenantID,
		StartedAt: now,
		Entries:   make([]domain.BatchEntry, 0, len(companyIDs)),
	}

	for _, companyID := range companyIDs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		subject := domain.SubjectRef{Kind: domain.SubjectCompany, ID: companyID}
		entry := domain.BatchEntry{Subject: subject}

		result, err := r.ScoreCompany(ctx, tenantID, companyID)
		switch {
		case errors.Is(err, domain.ErrRunInProgress):
			entry.Skipped = true
			report.Skipped++
		case err != nil:
			entry.Error = err.Error()
			report.Failed++
			slog.Warn("batch subject failed",
				"tenant_id", tenantID,
				"company_id", companyID,
				"error", err,
			)
		default:
			entry.ScoreID = result.Score.ID
			entry.Severity = result.Score.Severity
			report.Succeeded++
		}

		report.Entries = append(report.Entries, entry)
	}

	slog.Info("batch scoring complete",
		"tenant_id", tenantID,
		"subjects", len(companyIDs),
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"skipped", report.Skipped,
	)

	return report, nil
}
