package observability

import (
	"context"

	"github.com/honeynil/GearAuctionService/internal/infrastructure/observability"
)

// Setup installs the JSON logger, registers the collectors and starts tracing.
// The returned func flushes pending spans.
func Setup(ctx context.Context, serviceName, logLevel, otlpEndpoint string) (func(context.Context) error, error) {
	observability.InitLogger(logLevel)
	observability.InitMetrics()
	return observability.InitTracing(ctx, serviceName, otlpEndpoint)
}
