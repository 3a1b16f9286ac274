package otel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetupIsNoopWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{ServiceName: "cue-passport-test"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupCreatesProviderWhenEndpointSet(t *testing.T) {
	// non-routable, nothing is exported before shutdown
	shutdown, err := Setup(context.Background(), Config{
		Endpoint:    "http://192.0.2.1:4318",
		ServiceName: "cue-passport-test",
		SampleRatio: 0.5,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = shutdown(ctx)
}
