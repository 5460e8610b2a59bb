// Package postgres implements the repository ports on PostgreSQL via lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/honeynil/GearAuctionService/internal/infrastructure/observability"
	"github.com/honeynil/GearAuctionService/internal/repository"
	pkgerrors "github.com/honeynil/GearAuctionService/pkg/errors"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var undefinedColumn = regexp.MustCompile(`column "([^"]+)"`)

type rowScanner interface {
	Scan(dest ...any) error
}

// track opens a span and returns a func that records the call's outcome.
func track(ctx context.Context, tracerName, method string) (context.Context, trace.Span, func(error)) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, method)
	start := time.Now()
	return ctx, span, func(err error) {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues(method, status).Inc()
		observability.RepositoryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		span.End()
	}
}

// mapWriteError turns an undefined-column error into UnknownFieldError so
// repository.WriteTolerant can strip the column and retry.
func mapWriteError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code.Name() != "undefined_column" {
		return err
	}
	field := pqErr.Column
	if m := undefinedColumn.FindStringSubmatch(pqErr.Message); len(m) == 2 {
		field = m[1]
	}
	return &pkgerrors.UnknownFieldError{Field: field}
}

// setClause renders "a" = $1, "b" = $2 ... in key order and returns the args.
func setClause(fields repository.Fields) (string, []any) {
	keys := fields.Keys()
	sets := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys)+4)
	for i, k := range keys {
		sets = append(sets, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(k), i+1))
		args = append(args, fields[k])
	}
	return strings.Join(sets, ", "), args
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
