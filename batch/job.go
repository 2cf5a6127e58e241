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
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/gorse-io/alsbatch/common/log"
	"github.com/gorse-io/alsbatch/config"
	"github.com/gorse-io/alsbatch/dataset"
	"github.com/gorse-io/alsbatch/storage/artifact"
	"github.com/gorse-io/alsbatch/storage/blob"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const archiveTimeLayout = "20060102_150405"

var tracer = otel.Tracer("github.com/gorse-io/alsbatch/batch")

func traceError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return errors.Trace(err)
}

// Job runs one incremental update: read new interaction files, update the artifacts, save
// them and archive the inputs.
type Job struct {
	config  *config.Config
	gateway *artifact.Gateway
	locker  Locker
	now     func() time.Time
}

func NewJob(cfg *config.Config, gateway *artifact.Gateway) *Job {
	return &Job{
		config:  cfg,
		gateway: gateway,
		now:     time.Now,
	}
}

// WithLocker makes Run hold the lock for its whole duration.
func (j *Job) WithLocker(locker Locker) *Job {
	j.locker = locker
	return j
}

// Summary is the outcome of a run.
type Summary struct {
	Files               int
	FailedFiles         int
	Interactions        int
	InvalidInteractions int
	NewUsers            int
	NewProducts         int
	Trained             bool
	Descriptor          string
	ModelBytes          int64
	ModelChunks         int
	Archived            int
	ArchiveFailed       int
	Warnings            []string
	Duration            time.Duration
}

// Input is the content of the interaction files read by a run.
type Input struct {
	// Files are the files read successfully, to be archived after a save.
	Files        []string
	Failed       []string
	Interactions []dataset.Interaction
	Stats        dataset.ParseStats
}

// ListInputs returns the interaction files under the new data path.
func (j *Job) ListInputs(ctx context.Context) ([]string, error) {
	names, err := j.gateway.ListBlobs(ctx, j.config.Input.NewDataPath)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return lo.Filter(names, func(name string, _ int) bool {
		return strings.HasSuffix(strings.ToLower(name), ".csv")
	}), nil
}

// ReadInputs reads files batch_size at a time. A file that cannot be read or parsed is
// reported as failed and left in place.
func (j *Job) ReadInputs(ctx context.Context, files []string) (Input, error) {
	ctx, span := tracer.Start(ctx, "read")
	defer span.End()
	var input Input
	for _, batch := range lo.Chunk(files, j.config.Input.BatchSize) {
		for _, name := range batch {
			if err := ctx.Err(); err != nil {
				return input, traceError(span, err)
			}
			data, err := j.gateway.GetBlob(ctx, name)
			if err != nil {
				log.Logger().Error("failed to read interaction file", zap.String("blob", name), zap.Error(err))
				input.Failed = append(input.Failed, name)
				continue
			}
			interactions, stats, err := dataset.ReadInteractions(bytes.NewReader(data))
			if err != nil {
				log.Logger().Error("failed to parse interaction file", zap.String("blob", name), zap.Error(err))
				input.Failed = append(input.Failed, name)
				continue
			}
			log.Logger().Info("read interaction file",
				zap.String("blob", name), zap.Int("valid", stats.Valid), zap.Int("invalid", stats.Invalid))
			input.Files = append(input.Files, name)
			input.Interactions = append(input.Interactions, interactions...)
			input.Stats = input.Stats.Add(stats)
		}
		log.Logger().Debug("read batch of interaction files", zap.Int("files", len(batch)))
	}
	return input, nil
}

// Save commits the artifacts. With a model, the encoders, matrix and model chunks are written
// as a new snapshot whose descriptor is stored last; a failed step leaves the previous
// snapshot current. Artifacts still described by their loaded descriptor are not written
// again. Without any model, encoders and matrix go to the configured blobs.
func (j *Job) Save(ctx context.Context, a Artifacts) (Artifacts, error) {
	ctx, span := tracer.Start(ctx, "save")
	defer span.End()
	if a.Descriptor != nil {
		log.Logger().Info("artifacts unchanged, keep descriptor", zap.String("descriptor", a.Descriptor.ID))
		return a, nil
	}
	names := j.config.Artifacts
	if a.Model == nil {
		log.Logger().Info("no model to save")
		if err := j.gateway.PutEncoder(ctx, names.UserEncoder, a.Users); err != nil {
			return a, traceError(span, err)
		}
		if err := j.gateway.PutEncoder(ctx, names.ProductEncoder, a.Products); err != nil {
			return a, traceError(span, err)
		}
		if err := j.gateway.PutMatrix(ctx, names.InteractionMatrix, a.Interactions); err != nil {
			return a, traceError(span, err)
		}
		return a, nil
	}
	descriptor, err := j.gateway.SaveArtifacts(ctx, a.Users, a.Products, a.Interactions, a.Model, names)
	if err != nil {
		return a, traceError(span, err)
	}
	saved := a
	saved.Descriptor = descriptor
	return saved, nil
}

// Archive moves files into a folder named after the archive time. It returns the number of
// files moved; a file that fails to move is logged and stays for the next run.
func (j *Job) Archive(ctx context.Context, files []string) int {
	ctx, span := tracer.Start(ctx, "archive")
	defer span.End()
	folder := j.config.Input.ArchivePath + j.now().UTC().Format(archiveTimeLayout) + "/"
	archived := 0
	for _, name := range files {
		dst := folder + blob.BaseName(name)
		if err := j.gateway.MoveBlob(ctx, name, dst); err != nil {
			span.RecordError(err)
			log.Logger().Error("failed to archive interaction file",
				zap.String("blob", name), zap.String("archive", dst), zap.Error(err))
			continue
		}
		archived++
	}
	log.Logger().Info("archive interaction files", zap.String("folder", folder), zap.Int("archived", archived))
	return archived
}

// Run executes the whole job. Inputs are archived only after every artifact is saved.
func (j *Job) Run(ctx context.Context) (summary Summary, err error) {
	start := j.now()
	ctx, span := tracer.Start(ctx, "run")
	defer span.End()
	defer func() {
		summary.Duration = j.now().Sub(start)
		j.report(ctx, summary, err)
	}()

	if j.locker != nil {
		if err = j.locker.Lock(ctx); err != nil {
			return summary, traceError(span, err)
		}
		defer func() {
			if err := j.locker.Unlock(context.WithoutCancel(ctx)); err != nil {
				log.Logger().Warn("failed to release job lock", zap.Error(err))
			}
		}()
	}

	files, err := j.ListInputs(ctx)
	if err != nil {
		return summary, traceError(span, err)
	}
	if len(files) == 0 {
		log.Logger().Info("no new interaction files", zap.String("path", j.config.Input.NewDataPath))
		return summary, nil
	}
	input, err := j.ReadInputs(ctx, files)
	if err != nil {
		return summary, traceError(span, err)
	}
	summary.Files = len(input.Files)
	summary.FailedFiles = len(input.Failed)
	summary.Interactions = input.Stats.Valid
	summary.InvalidInteractions = input.Stats.Invalid
	if len(input.Files) == 0 {
		log.Logger().Warn("no interaction file could be read", zap.Int("failed", len(input.Failed)))
		return summary, nil
	}

	a, err := j.Load(ctx)
	if err != nil {
		return summary, traceError(span, err)
	}
	a, stats, err := j.Update(ctx, a, input.Interactions)
	if err != nil {
		return summary, traceError(span, err)
	}
	summary.NewUsers = stats.NewUsers
	summary.NewProducts = stats.NewProducts
	summary.Trained = stats.Trained
	if a, err = j.Save(ctx, a); err != nil {
		return summary, traceError(span, err)
	}
	summary.Warnings = a.Warnings
	if a.Descriptor != nil {
		summary.Descriptor = a.Descriptor.ID
		summary.ModelBytes = a.Descriptor.SizeBytes
		summary.ModelChunks = a.Descriptor.TotalChunks
	}
	summary.Archived = j.Archive(ctx, input.Files)
	summary.ArchiveFailed = len(input.Files) - summary.Archived
	return summary, nil
}

func (j *Job) report(ctx context.Context, summary Summary, err error) {
	if err != nil {
		log.Logger().Error("batch update failed, inputs are not archived",
			zap.Duration("duration", summary.Duration), zap.Error(err))
		log.Logger().Debug("error stack", zap.String("stack", errors.ErrorStack(err)))
	} else {
		log.Logger().Info("batch update complete",
			zap.Int("files", summary.Files),
			zap.Int("failed_files", summary.FailedFiles),
			zap.Int("interactions", summary.Interactions),
			zap.Int("invalid_interactions", summary.InvalidInteractions),
			zap.Int("new_users", summary.NewUsers),
			zap.Int("new_products", summary.NewProducts),
			zap.Bool("trained", summary.Trained),
			zap.String("descriptor", summary.Descriptor),
			zap.Int("archived", summary.Archived),
			zap.Int("warnings", len(summary.Warnings)),
			zap.Duration("duration", summary.Duration))
	}
	updateMetrics(summary, err)
	if j.config.Metrics.Pushgateway != "" {
		if err := pushMetrics(context.WithoutCancel(ctx), j.config.Metrics); err != nil {
			log.Logger().Warn("failed to push metrics", zap.String("pushgateway", j.config.Metrics.Pushgateway), zap.Error(err))
		}
	}
}
