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

	"github.com/gorse-io/alsbatch/common/log"
	"github.com/gorse-io/alsbatch/common/sparse"
	"github.com/gorse-io/alsbatch/dataset"
	"github.com/gorse-io/alsbatch/model/cf"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// UpdateStats describes what one update added to the artifacts.
type UpdateStats struct {
	Interactions int
	NewUsers     int
	NewProducts  int
	// Trained is false when there was nothing to train on and the previous model was kept.
	Trained bool
}

// Update folds interactions into the artifacts and retrains the model on the combined
// matrix. The input value is left untouched.
func (j *Job) Update(ctx context.Context, a Artifacts, interactions []dataset.Interaction) (Artifacts, UpdateStats, error) {
	ctx, span := tracer.Start(ctx, "update")
	defer span.End()
	stats := UpdateStats{Interactions: len(interactions)}
	if rows, cols := a.Interactions.Shape(); rows != a.Users.Len() || cols != a.Products.Len() {
		return a, stats, traceError(span, errors.NotValidf("interaction matrix (%d, %d) for (%d, %d) encoded users and products",
			rows, cols, a.Users.Len(), a.Products.Len()))
	}
	if len(interactions) == 0 && a.Model != nil {
		log.Logger().Info("no new interactions, keep the current model")
		return a, stats, nil
	}

	// extend encoders
	strategy := dataset.Strategy(j.config.Model.EncoderStrategy)
	userIDs, productIDs := dataset.UniqueIDs(interactions)
	users, userMap, err := dataset.Extend(a.Users, userIDs, strategy)
	if err != nil {
		return a, stats, traceError(span, err)
	}
	products, productMap, err := dataset.Extend(a.Products, productIDs, strategy)
	if err != nil {
		return a, stats, traceError(span, err)
	}
	stats.NewUsers = users.Len() - a.Users.Len()
	stats.NewProducts = products.Len() - a.Products.Len()

	// merge interactions
	older := a.Interactions
	if userMap != nil || productMap != nil {
		if older, err = sparse.Relabel(older, userMap, productMap, users.Len(), products.Len()); err != nil {
			return a, stats, traceError(span, err)
		}
	}
	newer, err := buildMatrix(interactions, users, products)
	if err != nil {
		return a, stats, traceError(span, err)
	}
	combined, err := sparse.Merge(older, newer, j.config.Model.BlockSize)
	if err != nil {
		return a, stats, traceError(span, err)
	}

	next := a
	next.Users, next.Products, next.Interactions = users, products, combined
	if combined.Nnz() == 0 {
		log.Logger().Info("skip training on empty interaction matrix")
		return next, stats, nil
	}

	// retrain
	confidence, err := cf.ToConfidence(combined, j.config.Model.Alpha)
	if err != nil {
		return a, stats, traceError(span, err)
	}
	m, err := cf.Train(ctx, confidence.Transpose(), j.config.Model.GetParams(), j.config.Model.GetFitConfig())
	if err != nil {
		return a, stats, traceError(span, err)
	}
	next.Model = m
	// the new model is not persisted yet
	next.Descriptor = nil
	stats.Trained = true
	log.Logger().Info("update artifacts",
		zap.Int("interactions", stats.Interactions),
		zap.Int("new_users", stats.NewUsers),
		zap.Int("new_products", stats.NewProducts),
		zap.Int("nnz", combined.Nnz()))
	return next, stats, nil
}

// buildMatrix sums the quantities of interactions in a matrix shaped by the encoders.
func buildMatrix(interactions []dataset.Interaction, users, products dataset.Encoder) (*sparse.Matrix[float64], error) {
	rows := make([]int32, len(interactions))
	cols := make([]int32, len(interactions))
	weights := make([]float64, len(interactions))
	for i, interaction := range interactions {
		var err error
		if rows[i], err = users.IndexOf(interaction.UserID); err != nil {
			return nil, errors.Trace(err)
		}
		if cols[i], err = products.IndexOf(interaction.ProductID); err != nil {
			return nil, errors.Trace(err)
		}
		weights[i] = interaction.Quantity
	}
	return sparse.Build(rows, cols, weights, users.Len(), products.Len())
}
