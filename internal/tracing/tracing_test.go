package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dshills/pipeline-go/pipeline/emit"
)

func TestProviderExportsEmitterSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	p, err := NewProvider("pipeline-test", sdktrace.WithSyncer(exporter))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	em := emit.NewOTelEmitter(p.Tracer("pipeline"))
	em.Emit(emit.Event{RunID: 3, StepID: 1, Command: "touch", Msg: "step_finished"})

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "step_finished", spans[0].Name)

	var service string
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	assert.Equal(t, "pipeline-test", service)
}
