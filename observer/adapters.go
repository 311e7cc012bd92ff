package observer

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"

	"github.com/carapacehq/carapace"
)

// PipelineAdapter feeds pipeline outcomes into OTEL.
type PipelineAdapter struct {
	inst *Instruments
}

// NewPipelineAdapter returns an adapter for the request pipeline.
func NewPipelineAdapter(inst *Instruments) *PipelineAdapter {
	return &PipelineAdapter{inst: inst}
}

func (a *PipelineAdapter) RequestHandled(tool string, stage int, code carapace.Code, d time.Duration) {
	ctx := context.Background()
	durationMs := float64(d.Milliseconds())
	status := "ok"
	if code != "" {
		status = string(code)
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.Int("stage", stage),
		attribute.String("status", status),
	)

	a.inst.Requests.Add(ctx, 1, attrs)
	if code != "" {
		a.inst.RequestFailures.Add(ctx, 1, attrs)
	}
	a.inst.RequestDuration.Record(ctx, durationMs, attrs)

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("request handled"))
	rec.AddAttributes(
		otellog.String("tool", tool),
		otellog.String("stage", strconv.Itoa(stage)),
		otellog.String("status", status),
		otellog.Float64("duration_ms", durationMs),
	)
	a.inst.Logger.Emit(ctx, rec)
}

var _ carapace.PipelineMetrics = (*PipelineAdapter)(nil)

// LifecycleAdapter feeds container lifecycle events into OTEL.
type LifecycleAdapter struct {
	inst *Instruments
}

// NewLifecycleAdapter returns an adapter for the lifecycle manager.
func NewLifecycleAdapter(inst *Instruments) *LifecycleAdapter {
	return &LifecycleAdapter{inst: inst}
}

func (a *LifecycleAdapter) ContainerStarted(group string) {
	a.inst.ContainerStarts.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("group", group)))
}

func (a *LifecycleAdapter) ContainerStopped(group string, failed bool) {
	a.inst.ContainerStops.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("group", group),
		attribute.Bool("failed", failed),
	))
}

func (a *LifecycleAdapter) TriggerShed(group string) {
	a.inst.TriggerSheds.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("group", group)))
}

var _ carapace.LifecycleMetrics = (*LifecycleAdapter)(nil)

// PluginAdapter feeds plugin load failures into OTEL.
type PluginAdapter struct {
	inst *Instruments
}

// NewPluginAdapter returns an adapter for the plugin loader.
func NewPluginAdapter(inst *Instruments) *PluginAdapter {
	return &PluginAdapter{inst: inst}
}

func (a *PluginAdapter) PluginLoadFailed(category string) {
	a.inst.PluginLoadFailures.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("category", category)))
}

var _ carapace.PluginMetrics = (*PluginAdapter)(nil)
