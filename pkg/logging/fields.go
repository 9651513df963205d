package logging

import (
	"time"

	"go.uber.org/zap"
)

// Field constructors for the keys every component logs with, so the same
// record is searchable by the same key everywhere.

// InvestmentID logs the investment id under "investment_id".
func InvestmentID(id string) zap.Field { return zap.String("investment_id", id) }

// OwnerID logs the owning account id under "owner_id".
func OwnerID(id string) zap.Field { return zap.String("owner_id", id) }

// Status logs a lifecycle status under key, e.g. "from" or "to".
func Status(key, status string) zap.Field { return zap.String(key, status) }

// Backend logs the store name under "backend".
func Backend(name string) zap.Field { return zap.String("backend", name) }

// Operation logs the store operation under "operation".
func Operation(op string) zap.Field { return zap.String("operation", op) }

// RunID logs the sweep run id under "run_id".
func RunID(id string) zap.Field { return zap.String("run_id", id) }

// Instant logs t in UTC with millisecond precision.
func Instant(key string, t time.Time) zap.Field {
	return zap.String(key, t.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
}
