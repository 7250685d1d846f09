package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetupWithoutEndpoint(t *testing.T) {
	before := otel.GetTracerProvider()

	shutdown, err := Setup(context.Background(), "", "libralend")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, before, otel.GetTracerProvider())
}

func TestSetupInstallsProvider(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	for _, endpoint := range []string{"localhost:4318", "http://localhost:4318"} {
		shutdown, err := Setup(context.Background(), endpoint, "libralend")
		require.NoError(t, err)
		assert.IsType(t, &sdktrace.TracerProvider{}, otel.GetTracerProvider())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		assert.NoError(t, shutdown(ctx))
		cancel()
	}
}
