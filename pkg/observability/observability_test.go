package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func gather(t *testing.T, p *PrometheusMetricsProvider, name string) *dto.MetricFamily {
	t.Helper()
	families, err := p.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestMetricsProviderRecords(t *testing.T) {
	p, err := NewMetricsProvider(MetricsConfig{ServiceName: "test"})
	require.NoError(t, err)
	ctx := context.Background()

	p.RecordTransfer(ctx, "ws", "OK", 20*time.Millisecond)
	p.RecordTransfer(ctx, "http", "OK", 5*time.Millisecond)
	p.RecordConnection(ctx, false)
	p.RecordConnection(ctx, true)
	p.RecordConnection(ctx, true)
	p.RecordUpgrade(ctx, UpgradeRefused)
	p.RecordPoolCall(ctx, "wait", "BadFunctionArgument")
	p.RecordActiveTransfers(ctx, 2)
	p.RecordActiveTransfers(ctx, -1)

	transfers := gather(t, p, "xfer_transfers_total")
	assert.Len(t, transfers.GetMetric(), 2)

	conns := gather(t, p, "xfer_connections_total")
	byKind := map[string]float64{}
	for _, m := range conns.GetMetric() {
		byKind[labelValue(m, "kind")] = m.GetCounter().GetValue()
		assert.Equal(t, "test", labelValue(m, "service"))
	}
	assert.Equal(t, float64(1), byKind["new"])
	assert.Equal(t, float64(2), byKind["reused"])

	upgrades := gather(t, p, "xfer_websocket_upgrades_total")
	require.Len(t, upgrades.GetMetric(), 1)
	assert.Equal(t, UpgradeRefused, labelValue(upgrades.GetMetric()[0], "outcome"))

	active := gather(t, p, "xfer_active_transfers")
	assert.Equal(t, float64(1), active.GetMetric()[0].GetGauge().GetValue())

	hist := gather(t, p, "xfer_transfer_duration_seconds")
	var samples uint64
	for _, m := range hist.GetMetric() {
		samples += m.GetHistogram().GetSampleCount()
	}
	assert.Equal(t, uint64(2), samples)
}

func TestMetricsProvidersAreIndependent(t *testing.T) {
	a, err := NewMetricsProvider(MetricsConfig{})
	require.NoError(t, err)
	b, err := NewMetricsProvider(MetricsConfig{})
	require.NoError(t, err)

	a.RecordUpgrade(context.Background(), UpgradeSwitched)

	families, err := b.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		assert.NotEqual(t, "xfer_websocket_upgrades_total", mf.GetName(),
			"an untouched provider should not expose another provider's samples")
	}
}

func TestMetricsServer(t *testing.T) {
	p, err := NewMetricsProvider(MetricsConfig{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, p.Shutdown(ctx))
	}()

	assert.Error(t, p.Start(context.Background()), "second Start should fail")

	p.RecordTransfer(context.Background(), "http", "OK", time.Millisecond)

	resp, err := http.Get("http://" + p.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "xfer_transfers_total"))
}

func TestShutdownWithoutStart(t *testing.T) {
	p, err := NewMetricsProvider(MetricsConfig{})
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.Empty(t, p.Addr())
}

func TestNopMetrics(t *testing.T) {
	m := NopMetrics()
	m.RecordTransfer(context.Background(), "ws", "OK", time.Second)
	m.RecordConnection(context.Background(), true)
}

func newRecordingTracer(t *testing.T, cfg TracingConfig) (*TracingProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	cfg.Exporter = exp
	tp, err := NewTracingProvider(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

func TestTransferSpan(t *testing.T) {
	tp, exp := newRecordingTracer(t, TracingConfig{})

	ctx, span := tp.StartTransferSpan(context.Background(), "id-1", "ws", "ws://127.0.0.1:1/path/ws/2724")
	tp.AddEvent(ctx, "upgrade.refused", AttrUpgrade.String(UpgradeRefused))
	tp.EndTransferSpan(span, 200, "OK", nil)

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	got := spans[0]
	assert.Equal(t, "xfer.ws", got.Name)
	assert.Contains(t, got.Attributes, AttrTransferID.String("id-1"))
	assert.Contains(t, got.Attributes, AttrResult.String("OK"))
	assert.Contains(t, got.Attributes, attribute.Int("http.response.status_code", 200))
	require.Len(t, got.Events, 1)
	assert.Equal(t, "upgrade.refused", got.Events[0].Name)
	assert.Equal(t, codes.Unset, got.Status.Code)
}

func TestTransferSpanError(t *testing.T) {
	tp, exp := newRecordingTracer(t, TracingConfig{})

	_, span := tp.StartTransferSpan(context.Background(), "id-2", "http", "http://127.0.0.1:1/")
	tp.EndTransferSpan(span, 0, "CouldntConnect", errors.New("connection refused"))

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "connection refused", spans[0].Status.Description)
}

func TestSchemeSampler(t *testing.T) {
	tp, exp := newRecordingTracer(t, TracingConfig{
		SampleRate:  1.0,
		NeverSample: []string{"http"},
	})

	_, s1 := tp.StartTransferSpan(context.Background(), "a", "http", "http://h/")
	tp.EndTransferSpan(s1, 200, "OK", nil)
	_, s2 := tp.StartTransferSpan(context.Background(), "b", "ws", "ws://h/")
	tp.EndTransferSpan(s2, 200, "OK", nil)

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "xfer.ws", spans[0].Name)
}

func TestPropagation(t *testing.T) {
	tp, _ := newRecordingTracer(t, TracingConfig{})

	ctx, span := tp.StartTransferSpan(context.Background(), "id", "http", "http://h/")
	defer span.End()

	header := http.Header{}
	tp.Inject(ctx, header)
	assert.NotEmpty(t, header.Get("traceparent"))

	extracted := tp.Extract(context.Background(), header)
	tp.SetAttributes(extracted, AttrReused.Bool(true))
}

func TestNoopTracing(t *testing.T) {
	tp := NoopTracing()
	ctx, span := tp.StartTransferSpan(context.Background(), "id", "ws", "ws://h/")
	assert.False(t, span.IsRecording())
	tp.RecordError(ctx, errors.New("ignored"))
	tp.EndTransferSpan(span, 101, "OK", nil)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestUnsupportedExporter(t *testing.T) {
	_, err := NewTracingProvider(TracingConfig{ExporterType: "jaeger"})
	assert.Error(t, err)
}
