// Copyright 2026 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package batch

import (
	"context"
	"time"

	"github.com/gorse-io/alsbatch/config"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	LabelKind   = "kind"
	LabelResult = "result"
)

var (
	FilesTotalVec = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "alsbatch",
		Subsystem: "batch",
		Name:      "files_total",
	}, []string{LabelResult})
	InteractionsTotalVec = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "alsbatch",
		Subsystem: "batch",
		Name:      "interactions_total",
	}, []string{LabelResult})
	NewEntitiesTotalVec = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "alsbatch",
		Subsystem: "batch",
		Name:      "new_entities_total",
	}, []string{LabelKind})
	ModelSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "alsbatch",
		Subsystem: "batch",
		Name:      "model_size_bytes",
	})
	ModelChunksTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "alsbatch",
		Subsystem: "batch",
		Name:      "model_chunks_total",
	})
	RunSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "alsbatch",
		Subsystem: "batch",
		Name:      "run_seconds",
	})
	RunSucceeded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "alsbatch",
		Subsystem: "batch",
		Name:      "run_succeeded",
	})
	LastSuccessTimestampSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "alsbatch",
		Subsystem: "batch",
		Name:      "last_success_timestamp_seconds",
	})
)

func updateMetrics(summary Summary, err error) {
	FilesTotalVec.WithLabelValues("processed").Set(float64(summary.Files))
	FilesTotalVec.WithLabelValues("failed").Set(float64(summary.FailedFiles))
	FilesTotalVec.WithLabelValues("archived").Set(float64(summary.Archived))
	InteractionsTotalVec.WithLabelValues("valid").Set(float64(summary.Interactions))
	InteractionsTotalVec.WithLabelValues("invalid").Set(float64(summary.InvalidInteractions))
	NewEntitiesTotalVec.WithLabelValues("user").Set(float64(summary.NewUsers))
	NewEntitiesTotalVec.WithLabelValues("product").Set(float64(summary.NewProducts))
	RunSeconds.Set(summary.Duration.Seconds())
	if err != nil {
		RunSucceeded.Set(0)
		return
	}
	RunSucceeded.Set(1)
	LastSuccessTimestampSeconds.Set(float64(time.Now().Unix()))
	if summary.Descriptor != "" {
		ModelSizeBytes.Set(float64(summary.ModelBytes))
		ModelChunksTotal.Set(float64(summary.ModelChunks))
	}
}

// pushMetrics sends the job metrics to a Prometheus Pushgateway.
func pushMetrics(ctx context.Context, cfg config.MetricsConfig) error {
	pusher := push.New(cfg.Pushgateway, cfg.JobName).
		Collector(FilesTotalVec).
		Collector(InteractionsTotalVec).
		Collector(NewEntitiesTotalVec).
		Collector(ModelSizeBytes).
		Collector(ModelChunksTotal).
		Collector(RunSeconds).
		Collector(RunSucceeded).
		Collector(LastSuccessTimestampSeconds)
	return errors.Trace(pusher.PushContext(ctx))
}
