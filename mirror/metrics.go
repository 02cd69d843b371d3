// Copyright 2025 Exata IT
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"log/slog"
	"time"
)

const (
	MetricsOpListen    = "listen"
	MetricsOpReconcile = "reconcile"
	MetricsOpReprocess = "reprocess"

	MetricsStageFetch   = "fetch"
	MetricsStageResolve = "resolve"
	MetricsStageApply   = "apply"
	MetricsStageWindow  = "window"
	MetricsStageDiff    = "diff"
	MetricsStageTotal   = "total"
)

type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

type stageObserver struct {
	recorder StageMetricsRecorder
	logger   *slog.Logger
	logAll   bool
}

func (o *stageObserver) enabled() bool {
	return o != nil && (o.recorder != nil || o.logAll)
}

func (o *stageObserver) start() time.Time {
	if !o.enabled() {
		return time.Time{}
	}
	return time.Now()
}

func (o *stageObserver) observe(ctx context.Context, op, stage string, start time.Time, count int, hadError bool) {
	if start.IsZero() || !o.enabled() {
		return
	}
	timing := StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Error:     hadError,
	}
	if o.recorder != nil {
		o.recorder.ObserveStage(ctx, timing)
	}
	if o.logAll && o.logger != nil {
		o.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"error", timing.Error,
		)
	}
}
