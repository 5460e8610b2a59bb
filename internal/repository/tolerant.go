package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/honeynil/GearAuctionService/internal/infrastructure/observability"
	pkgerrors "github.com/honeynil/GearAuctionService/pkg/errors"
)

const DefaultMaxSchemaAttempts = 10

// FieldWriter performs one write attempt with the given payload.
type FieldWriter func(ctx context.Context, fields Fields) error

// WriteTolerant writes fields, removing any column the store reports as
// unknown and retrying. After maxAttempts rejected writes it writes only the
// minimal columns. It returns the columns that were not persisted.
//
// Errors other than an unknown column are returned unchanged. An unknown
// minimal column, or a failed minimal write, is reported as
// ErrUpstreamUnavailable wrapping ErrSchemaDrift.
func WriteTolerant(ctx context.Context, write FieldWriter, fields Fields, minimal []string, maxAttempts int) ([]string, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxSchemaAttempts
	}

	payload := fields.Clone()
	var dropped []string
	for attempt := 1; attempt <= maxAttempts && len(payload) > 0; attempt++ {
		err := write(ctx, payload)
		if err == nil {
			return dropped, nil
		}

		var unknown *pkgerrors.UnknownFieldError
		if !errors.As(err, &unknown) {
			return dropped, err
		}
		if slices.Contains(minimal, unknown.Field) {
			return dropped, fmt.Errorf("%w: %w", pkgerrors.ErrUpstreamUnavailable, err)
		}
		if _, ok := payload[unknown.Field]; !ok {
			// the store keeps naming a column we no longer send
			break
		}

		delete(payload, unknown.Field)
		dropped = append(dropped, unknown.Field)
		observability.SchemaFieldsDropped.WithLabelValues(unknown.Field).Inc()
		slog.Warn("dropping unknown field from write", "field", unknown.Field, "attempt", attempt)
	}

	base := fields.Only(minimal)
	if len(base) == 0 {
		return dropped, fmt.Errorf("%w: %w: no minimal fields to fall back to", pkgerrors.ErrUpstreamUnavailable, pkgerrors.ErrSchemaDrift)
	}

	slog.Warn("falling back to minimal write", "fields", base.Keys(), "dropped", dropped)
	if err := write(ctx, base); err != nil {
		if errors.Is(err, pkgerrors.ErrSchemaDrift) {
			return dropped, fmt.Errorf("%w: %w", pkgerrors.ErrUpstreamUnavailable, err)
		}
		return dropped, err
	}

	for _, k := range fields.Keys() {
		if _, ok := base[k]; !ok && !slices.Contains(dropped, k) {
			dropped = append(dropped, k)
		}
	}
	return dropped, nil
}
