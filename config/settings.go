package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

func init() {
	// Load env from .env
	godotenv.Load()
}

// DefaultUtcOffsetMinutes is the ledger timezone applied to new entities when the caller gives none.
//
// Set via env:
// - LEDGER_DEFAULT_UTC_OFFSET_MINUTES=330
func DefaultUtcOffsetMinutes() int {
	return intFromEnv("LEDGER_DEFAULT_UTC_OFFSET_MINUTES", 330)
}

// LedgerMaxRetries bounds internal retries of optimistic-concurrency conflicts.
func LedgerMaxRetries() int {
	n := intFromEnv("LEDGER_MAX_RETRIES", 5)
	if n < 1 {
		return 1
	}
	return n
}

// LedgerMaxQueryDays bounds every ledger range scan (queries and reconciliation).
func LedgerMaxQueryDays() int {
	n := intFromEnv("LEDGER_MAX_QUERY_DAYS", 3660)
	if n < 1 {
		return 1
	}
	return n
}

// PendingEventStaleAfter is how long an unapplied event is left to its recorder before
// the reconciliation job resumes it.
func PendingEventStaleAfter() time.Duration {
	return time.Duration(intFromEnv("LEDGER_PENDING_STALE_SECONDS", 60)) * time.Second
}

// RolloverWorkers bounds how many entities are rolled over in parallel.
func RolloverWorkers() int {
	n := intFromEnv("LEDGER_ROLLOVER_WORKERS", 8)
	if n < 1 {
		return 1
	}
	return n
}

// IsProduction reports GO_ENV=production.
func IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production")
}

// SkipMigrations reports SKIP_MIGRATIONS=true.
func SkipMigrations() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
