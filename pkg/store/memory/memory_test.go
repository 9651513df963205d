package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-engine/pkg/investment"
	"settlement-engine/pkg/store"
	"settlement-engine/pkg/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s := New(Config{})
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestDefaults(t *testing.T) {
	s := New(Config{})
	assert.Equal(t, "memory", s.Name())

	s = New(Config{Name: "primary"})
	assert.Equal(t, "primary", s.Name())
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})
	acc := storetest.NewAccount(t, s, 1000)
	inv := storetest.NewInvestment(acc.ID, 100, investment.StatusActive)
	require.NoError(t, s.CreateInvestment(ctx, inv))

	got, err := s.GetInvestment(ctx, inv.ID)
	require.NoError(t, err)
	got.Status = investment.StatusCompleted

	again, err := s.GetInvestment(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, investment.StatusActive, again.Status)

	inv.Status = investment.StatusPending
	again, err = s.GetInvestment(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, investment.StatusActive, again.Status)
	assert.Equal(t, 1, s.Len())
}

func TestClosed(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})
	acc := storetest.NewAccount(t, s, 0)
	require.NoError(t, s.Close())

	_, err := s.GetAccount(ctx, acc.ID)
	assert.True(t, errors.Is(err, store.ErrUnavailable))
	assert.True(t, store.IsUnavailable(s.Ping(ctx)))
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New(Config{})
	_, err := s.GetAccount(ctx, "acc-1")
	assert.ErrorIs(t, err, context.Canceled)
}
