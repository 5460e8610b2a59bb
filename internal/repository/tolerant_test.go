package repository_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/honeynil/GearAuctionService/internal/repository"
	pkgerrors "github.com/honeynil/GearAuctionService/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// schemaStore rejects writes naming any column in unknown.
type schemaStore struct {
	unknown map[string]bool
	writes  []repository.Fields
	failAll error
}

func (s *schemaStore) write(_ context.Context, f repository.Fields) error {
	s.writes = append(s.writes, f.Clone())
	if s.failAll != nil {
		return s.failAll
	}
	for _, k := range f.Keys() {
		if s.unknown[k] {
			return &pkgerrors.UnknownFieldError{Field: k}
		}
	}
	return nil
}

func TestWriteTolerant(t *testing.T) {
	ctx := context.Background()
	minimal := []string{"transaction_status"}
	fields := repository.Fields{
		"transaction_status": "receipt_pending",
		"carrier":            "Royal Mail",
		"tracking_number":    "RM123",
		"dispatched_at":      "2024-05-01",
	}

	t.Run("CleanWrite", func(t *testing.T) {
		s := &schemaStore{}
		dropped, err := repository.WriteTolerant(ctx, s.write, fields, minimal, 10)
		require.NoError(t, err)
		assert.Empty(t, dropped)
		assert.Len(t, s.writes, 1)
		assert.Equal(t, fields, s.writes[0])
	})

	t.Run("StripsUnknownFields", func(t *testing.T) {
		s := &schemaStore{unknown: map[string]bool{"carrier": true, "tracking_number": true}}
		dropped, err := repository.WriteTolerant(ctx, s.write, fields, minimal, 10)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"carrier", "tracking_number"}, dropped)
		require.Len(t, s.writes, 3)
		assert.Equal(t, repository.Fields{
			"transaction_status": "receipt_pending",
			"dispatched_at":      "2024-05-01",
		}, s.writes[2])
	})

	t.Run("FallsBackToMinimalAfterBudget", func(t *testing.T) {
		s := &schemaStore{unknown: map[string]bool{"carrier": true, "tracking_number": true, "dispatched_at": true}}
		dropped, err := repository.WriteTolerant(ctx, s.write, fields, minimal, 2)
		require.NoError(t, err)
		require.Len(t, s.writes, 3)
		assert.Equal(t, repository.Fields{"transaction_status": "receipt_pending"}, s.writes[2])
		assert.ElementsMatch(t, []string{"carrier", "tracking_number", "dispatched_at"}, dropped)
	})

	t.Run("UnknownMinimalFieldEscalates", func(t *testing.T) {
		s := &schemaStore{unknown: map[string]bool{"transaction_status": true}}
		_, err := repository.WriteTolerant(ctx, s.write, fields, minimal, 10)
		assert.ErrorIs(t, err, pkgerrors.ErrUpstreamUnavailable)
		assert.ErrorIs(t, err, pkgerrors.ErrSchemaDrift)
	})

	t.Run("OtherErrorsPassThrough", func(t *testing.T) {
		s := &schemaStore{failAll: pkgerrors.ErrConcurrentModification}
		_, err := repository.WriteTolerant(ctx, s.write, fields, minimal, 10)
		assert.ErrorIs(t, err, pkgerrors.ErrConcurrentModification)
		assert.NotErrorIs(t, err, pkgerrors.ErrUpstreamUnavailable)
		assert.Len(t, s.writes, 1)
	})

	t.Run("StoreRepeatsFieldWeNoLongerSend", func(t *testing.T) {
		calls := 0
		write := func(_ context.Context, f repository.Fields) error {
			calls++
			if _, ok := f["carrier"]; ok || len(f) > 1 {
				return &pkgerrors.UnknownFieldError{Field: "carrier"}
			}
			return nil
		}
		dropped, err := repository.WriteTolerant(ctx, write, fields, minimal, 10)
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Contains(t, dropped, "carrier")
	})

	t.Run("MinimalWriteFails", func(t *testing.T) {
		write := func(_ context.Context, f repository.Fields) error {
			if len(f) == 1 {
				return fmt.Errorf("write: %w", errors.New("connection reset"))
			}
			return &pkgerrors.UnknownFieldError{Field: f.Keys()[0]}
		}
		_, err := repository.WriteTolerant(ctx, write, repository.Fields{"a": 1, "b": 2, "transaction_status": "x"}, minimal, 1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection reset")
	})

	t.Run("DefaultBudget", func(t *testing.T) {
		unknown := map[string]bool{}
		wide := repository.Fields{"transaction_status": "complete"}
		for i := 0; i < 15; i++ {
			col := fmt.Sprintf("extra_%02d", i)
			unknown[col] = true
			wide[col] = i
		}
		s := &schemaStore{unknown: unknown}
		_, err := repository.WriteTolerant(ctx, s.write, wide, minimal, 0)
		require.NoError(t, err)
		assert.Len(t, s.writes, repository.DefaultMaxSchemaAttempts+1)
	})
}
