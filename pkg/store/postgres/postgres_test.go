package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-engine/pkg/store"
	"settlement-engine/pkg/store/storetest"
)

func setupTestPostgres(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("SETTLE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SETTLE_TEST_POSTGRES_DSN not set")
	}

	cfg := DefaultConfig()
	cfg.DSN = dsn
	s, err := New(cfg)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	require.NoError(t, s.Truncate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return setupTestPostgres(t)
	})
}

func TestConnString(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "host=localhost port=5432 user=postgres password=postgres dbname=settlement sslmode=disable", cfg.connString())

	cfg.DSN = "postgres://u:p@db/x"
	assert.Equal(t, "postgres://u:p@db/x", cfg.connString())
}

func TestNewUnreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 1
	cfg.ConnectTimeout = 500 * time.Millisecond
	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, store.IsUnavailable(err), "%v", err)
}
