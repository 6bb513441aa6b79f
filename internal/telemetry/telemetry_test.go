package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func TestNew_DisabledIsNoop(t *testing.T) {
	cfg := NewDefaultConfig()
	require.False(t, cfg.Enabled)

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, tel)

	assert.False(t, tel.IsEnabled())
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults disabled", func(c *Config) {}, false},
		{"enabled with local endpoint", func(c *Config) { c.Enabled = true }, false},
		{"enabled without endpoint", func(c *Config) { c.Enabled = true; c.Endpoint = "" }, true},
		{"insecure remote endpoint", func(c *Config) { c.Enabled = true; c.Endpoint = "collector.example.com:4317" }, true},
		{"secure remote endpoint", func(c *Config) {
			c.Enabled = true
			c.Endpoint = "collector.example.com:4317"
			c.Insecure = false
		}, false},
		{"bad sampling rate", func(c *Config) { c.Enabled = true; c.Sampling.Rate = 1.5 }, true},
		{"zero export interval", func(c *Config) { c.Enabled = true; c.Metrics.ExportInterval = 0 }, true},
		{"missing service name", func(c *Config) { c.Enabled = true; c.ServiceName = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_IsLocalEndpoint(t *testing.T) {
	local := []string{"localhost:4317", "127.0.0.1:4317", "[::1]:4317", "127.0.0.1", "localhost"}
	for _, ep := range local {
		cfg := &Config{Endpoint: ep}
		assert.True(t, cfg.isLocalEndpoint(), ep)
	}

	remote := []string{"collector.example.com:4317", "10.0.0.5:4317"}
	for _, ep := range remote {
		cfg := &Config{Endpoint: ep}
		assert.False(t, cfg.isLocalEndpoint(), ep)
	}
}

func TestTestTelemetry_RecordsSpans(t *testing.T) {
	tel := NewTestTelemetry()

	tracer := tel.Tracer("orchestd.workflow")
	_, span := tracer.Start(context.Background(), "workflow.iterate",
		oteltrace.WithAttributes(attribute.Int("iteration", 1)))
	span.End()

	tel.AssertSpanExists(t, "workflow.iterate")
	tel.AssertSpanAttribute(t, "workflow.iterate", "iteration", int64(1))
	assert.True(t, tel.IsEnabled())
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.Nil(t, tel.LoggerProvider())
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.False(t, tel.IsEnabled())
	assert.True(t, tel.Health().Degraded)
}
