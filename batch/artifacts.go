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
	"fmt"
	"slices"

	"github.com/gorse-io/alsbatch/common/log"
	"github.com/gorse-io/alsbatch/common/sparse"
	"github.com/gorse-io/alsbatch/config"
	"github.com/gorse-io/alsbatch/dataset"
	"github.com/gorse-io/alsbatch/model/cf"
	"github.com/gorse-io/alsbatch/storage/artifact"
	"github.com/gorse-io/alsbatch/storage/docstore"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// Artifacts is the persistent state of the recommender. Every stage of a run takes one value
// and returns a new one.
type Artifacts struct {
	Users        dataset.Encoder
	Products     dataset.Encoder
	Interactions *sparse.Matrix[float64]
	// Model is nil until the first training.
	Model *cf.ALS
	// Descriptor points at the persisted Model, nil if it has never been saved.
	Descriptor *docstore.Descriptor
	Warnings   []string
}

func EmptyArtifacts() Artifacts {
	return Artifacts{
		Users:        dataset.EmptyEncoder{},
		Products:     dataset.EmptyEncoder{},
		Interactions: sparse.Zeros[float64](0, 0),
	}
}

func (a Artifacts) warn(format string, args ...any) Artifacts {
	msg := fmt.Sprintf(format, args...)
	log.Logger().Warn(msg)
	a.Warnings = append(slices.Clone(a.Warnings), msg)
	return a
}

// Load reads the artifacts of the previous run: the blobs named by the latest descriptor, or
// the configured blobs when no model has been saved yet. Absent or undecodable artifacts fall
// back to empty ones and a model failing integrity checks is dropped, both with a warning.
// Storage failures abort the load.
func (j *Job) Load(ctx context.Context) (Artifacts, error) {
	ctx, span := tracer.Start(ctx, "load")
	defer span.End()
	a := EmptyArtifacts()
	descriptor, err := j.gateway.LatestDescriptor(ctx)
	if errors.Is(err, errors.NotFound) {
		log.Logger().Info("no model descriptor found, load configured artifacts")
		descriptor = nil
	} else if err != nil {
		return a, traceError(span, err)
	}
	names := artifact.BlobNames(descriptor, j.config.Artifacts)
	if a, err = j.loadEncoders(ctx, a, names, descriptor != nil); err != nil {
		return a, traceError(span, err)
	}
	if a, err = j.loadMatrix(ctx, a, names.InteractionMatrix, descriptor != nil); err != nil {
		return a, traceError(span, err)
	}
	if a, err = j.loadModel(ctx, a, descriptor); err != nil {
		return a, traceError(span, err)
	}
	log.Logger().Info("load artifacts",
		zap.Int("users", a.Users.Len()),
		zap.Int("products", a.Products.Len()),
		zap.Int("interactions", a.Interactions.Nnz()),
		zap.Bool("model", a.Model != nil))
	return a, nil
}

// loadEncoders reads both encoders. referenced marks blobs named by a descriptor, which
// should exist.
func (j *Job) loadEncoders(ctx context.Context, a Artifacts, names config.ArtifactsConfig, referenced bool) (Artifacts, error) {
	users, warning, err := j.loadEncoder(ctx, names.UserEncoder, referenced)
	if err != nil {
		return a, errors.Trace(err)
	} else if warning != "" {
		a = a.warn("%s", warning)
	}
	products, warning, err := j.loadEncoder(ctx, names.ProductEncoder, referenced)
	if err != nil {
		return a, errors.Trace(err)
	} else if warning != "" {
		a = a.warn("%s", warning)
	}
	a.Users, a.Products = users, products
	return a, nil
}

// loadEncoder returns an empty encoder for a missing blob, and with a warning for a blob
// that does not decode or that a descriptor references.
func (j *Job) loadEncoder(ctx context.Context, name string, referenced bool) (dataset.Encoder, string, error) {
	data, err := j.gateway.GetBlob(ctx, name)
	if errors.Is(err, errors.NotFound) {
		if referenced {
			return dataset.EmptyEncoder{}, fmt.Sprintf("encoder %s referenced by the latest descriptor not found, start empty", name), nil
		}
		log.Logger().Info("encoder not found, start empty", zap.String("blob", name))
		return dataset.EmptyEncoder{}, "", nil
	} else if err != nil {
		return dataset.EmptyEncoder{}, "", errors.Trace(err)
	}
	enc, err := dataset.UnmarshalEncoder(bytes.NewReader(data))
	if err != nil {
		return dataset.EmptyEncoder{}, fmt.Sprintf("failed to decode encoder %s, start empty: %v", name, err), nil
	}
	return enc, "", nil
}

func (j *Job) loadMatrix(ctx context.Context, a Artifacts, name string, referenced bool) (Artifacts, error) {
	nUsers, nProducts := a.Users.Len(), a.Products.Len()
	a.Interactions = sparse.Zeros[float64](nUsers, nProducts)
	data, err := j.gateway.GetBlob(ctx, name)
	if errors.Is(err, errors.NotFound) {
		if referenced {
			return a.warn("interaction matrix %s referenced by the latest descriptor not found, start empty", name), nil
		}
		log.Logger().Info("interaction matrix not found, start empty", zap.String("blob", name))
		return a, nil
	} else if err != nil {
		return a, errors.Trace(err)
	}
	m, err := sparse.Unmarshal[float64](bytes.NewReader(data))
	if err != nil {
		return a.warn("failed to decode interaction matrix %s, start empty: %v", name, err), nil
	}
	rows, cols := m.Shape()
	switch {
	case rows > nUsers || cols > nProducts:
		// rows or columns without identifiers cannot be kept
		return a.warn("interaction matrix (%d, %d) exceeds encoders (%d, %d), discard it",
			rows, cols, nUsers, nProducts), nil
	case rows < nUsers || cols < nProducts:
		a = a.warn("interaction matrix (%d, %d) smaller than encoders (%d, %d), resize it",
			rows, cols, nUsers, nProducts)
		if m, err = sparse.Resize(m, nUsers, nProducts, j.config.Model.BlockSize); err != nil {
			return a, errors.Trace(err)
		}
	}
	a.Interactions = m
	return a, nil
}

func (j *Job) loadModel(ctx context.Context, a Artifacts, descriptor *docstore.Descriptor) (Artifacts, error) {
	if descriptor == nil {
		log.Logger().Info("start a new model")
		return a, nil
	}
	m, err := j.gateway.LoadModel(ctx, descriptor)
	if errors.Is(err, artifact.ErrModelIntegrity) {
		return a.warn("failed to load model %s, start a new model: %v", descriptor.ID, err), nil
	} else if err != nil {
		return a, errors.Trace(err)
	}
	if m.CountUsers() != a.Users.Len() || m.CountItems() != a.Products.Len() {
		a = a.warn("model %s has (%d, %d) factors for (%d, %d) encoded users and products",
			descriptor.ID, m.CountUsers(), m.CountItems(), a.Users.Len(), a.Products.Len())
	}
	a.Model = m
	a.Descriptor = descriptor
	return a, nil
}
