package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDisabledProviderIsUsable(t *testing.T) {
	cfg := DefaultConfig()
	require.False(t, cfg.Enabled)

	p, err := New(context.Background(), cfg)
	require.NoError(t, err)

	ctx, done := p.TrackRequest(context.Background(), "POST /api/bids",
		attribute.String("job_id", "job_1"))
	require.NotNil(t, ctx)
	done(errors.New("boom"))

	require.NotNil(t, p.Tracer())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNilConfigDefaults(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))
}
