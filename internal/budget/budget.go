// Package budget estimates command costs and classifies monthly spend
// against the configured limit.
package budget

import (
	"context"
	"time"

	"aipilot/internal/repo"
)

// Cost model constants. These mirror the pricing approximation used by
// the dashboard: a fixed base fee plus a per-token rate over an
// assumed tokens-per-character density.
const (
	BaseCost         = 0.02
	TokenRate        = 0.000002
	AvgTokensPerChar = 0.25
)

// Severity bands for monthly usage against the limit.
type Severity string

const (
	SeverityOK       Severity = "ok"
	SeverityWarning  Severity = "warning"
	SeverityExceeded Severity = "exceeded"
)

const warningRatio = 0.8

// EstimateCost computes the approximate cost of running a command.
// Deterministic and side-effect free; never below BaseCost.
func EstimateCost(command string) float64 {
	return BaseCost + TokenRate*(float64(len(command))*AvgTokensPerChar)
}

// Classify maps used spend against a limit into a severity band.
// used/limit >= 1.0 is exceeded, >= 0.8 is warning, else ok. A
// non-positive limit is treated as exceeded for any positive spend.
func Classify(used, limit float64) Severity {
	if limit <= 0 {
		if used > 0 {
			return SeverityExceeded
		}
		return SeverityOK
	}
	ratio := used / limit
	switch {
	case ratio >= 1.0:
		return SeverityExceeded
	case ratio >= warningRatio:
		return SeverityWarning
	default:
		return SeverityOK
	}
}

// Flagged reports whether an actual cost breached the kill threshold
// relative to its estimate. Advisory only: callers display the flag,
// nothing is terminated.
func Flagged(actual, estimated, killThreshold float64) bool {
	if estimated <= 0 || killThreshold <= 0 {
		return false
	}
	return actual > killThreshold*estimated
}

// Estimator aggregates recorded spend from the cost log.
type Estimator struct {
	Repo *repo.Repo
	Now  func() time.Time
}

func NewEstimator(r *repo.Repo) *Estimator {
	return &Estimator{Repo: r, Now: time.Now}
}

// MonthlyUsage sums recorded costs for the current calendar month.
func (e *Estimator) MonthlyUsage(ctx context.Context) (float64, error) {
	now := e.Now().UTC()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	return e.Repo.SumCostsBetween(ctx, from, to)
}

// Status is the usage snapshot returned to the dashboard.
type Status struct {
	Used     float64
	Limit    float64
	Severity Severity
}

// MonthlyStatus combines current usage with the configured limit.
func (e *Estimator) MonthlyStatus(ctx context.Context) (Status, error) {
	used, err := e.MonthlyUsage(ctx)
	if err != nil {
		return Status{}, err
	}
	settings, err := e.Repo.GetBudgetSettings(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Used:     used,
		Limit:    settings.MonthlyLimit,
		Severity: Classify(used, settings.MonthlyLimit),
	}, nil
}
