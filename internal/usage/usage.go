// Package usage meters API calls and model tokens per tenant.
package usage

import (
	"context"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"maas-portal/backend/pkg/models"
)

const tokensKey = "usage.tokens"

// SetTokens records the model tokens consumed by the current request.
func SetTokens(c echo.Context, n int64) {
	if n > 0 {
		c.Set(tokensKey, n)
	}
}

// Store receives metered calls.
type Store interface {
	RecordUsage(ctx context.Context, rec models.UsageRecord) error
}

// Logger is the logging surface the meter needs.
type Logger interface {
	Warn(msg string, kv ...any)
}

// Meter counts calls under a route prefix into the store and into OTel counters.
type Meter struct {
	store  Store
	log    Logger
	prefix string
	calls  metric.Int64Counter
	tokens metric.Int64Counter
	now    func() time.Time
}

// New creates a Meter for routes starting with prefix. Counters come from
// the global OTel meter provider.
func New(store Store, log Logger, prefix string) (*Meter, error) {
	meter := otel.Meter("maas-portal/usage")
	calls, err := meter.Int64Counter("portal.api.calls",
		metric.WithDescription("Metered API calls"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, err
	}
	tokens, err := meter.Int64Counter("portal.model.tokens",
		metric.WithDescription("Model tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}
	return &Meter{store: store, log: log, prefix: prefix, calls: calls, tokens: tokens, now: time.Now}, nil
}

// Middleware records one call per request whose route template starts with
// the meter prefix. Requests without a tenant are not metered.
func (m *Meter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			route := c.Path()
			if !strings.HasPrefix(route, m.prefix) {
				return err
			}
			ctx := c.Request().Context()
			tenant, ok := models.TenantFromContext(ctx)
			if !ok {
				return err
			}
			tokens, _ := c.Get(tokensKey).(int64)

			attrs := metric.WithAttributes(attribute.String("route", route), attribute.String("tenant", tenant))
			m.calls.Add(ctx, 1, attrs)
			if tokens > 0 {
				m.tokens.Add(ctx, tokens, attrs)
			}
			rec := models.UsageRecord{TenantID: tenant, Route: route, Day: m.now().UTC(), Tokens: tokens}
			if rerr := m.store.RecordUsage(context.WithoutCancel(ctx), rec); rerr != nil {
				m.log.Warn("failed to record usage", "route", route, "error", rerr)
			}
			return err
		}
	}
}
