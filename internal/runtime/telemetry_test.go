package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/loqalabs/loqa-kitten/internal/config"
)

func TestNodeResourceDescribesSpeaker(t *testing.T) {
	cfg := config.Default()
	cfg.Node.ID = "kitchen"
	cfg.Backend.Mode = "kitten"
	cfg.Audio.Driver = "null"

	res, err := nodeResource(context.Background(), cfg)
	require.NoError(t, err)

	attrs := res.Set()
	for key, want := range map[attribute.Key]string{
		"service.name":           "loqa-kitten",
		"service.instance.id":    "kitchen",
		"deployment.environment": "development",
		"kitten.node.role":       "speaker",
		"kitten.backend":         "kitten",
		"kitten.audio.driver":    "null",
	} {
		got, ok := attrs.Value(key)
		require.True(t, ok, "missing %s", key)
		assert.Equal(t, want, got.AsString(), key)
	}
}

func TestSpanExporterSelection(t *testing.T) {
	exp, kind, err := spanExporter(context.Background(), config.TelemetryConfig{LogLevel: "info"})
	require.NoError(t, err)
	assert.Nil(t, exp)
	assert.Equal(t, "none", kind)

	exp, kind, err = spanExporter(context.Background(), config.TelemetryConfig{LogLevel: "DEBUG"})
	require.NoError(t, err)
	assert.NotNil(t, exp)
	assert.Equal(t, "stdout", kind)
	require.NoError(t, exp.Shutdown(context.Background()))
}
