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

package logics

import (
	"context"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorse-io/alsbatch/common/heap"
	"github.com/gorse-io/alsbatch/common/log"
	"github.com/gorse-io/alsbatch/common/sparse"
	"github.com/gorse-io/alsbatch/config"
	"github.com/gorse-io/alsbatch/dataset"
	"github.com/gorse-io/alsbatch/model/cf"
	"github.com/gorse-io/alsbatch/storage/artifact"
	"github.com/gorse-io/alsbatch/storage/docstore"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	SourceModel   = "model"
	SourcePopular = "popular"
)

// Score is one recommended product.
type Score struct {
	ProductID string
	Score     float64
	Source    string
}

// Recommender answers recommendation requests from the artifacts of the latest saved model.
type Recommender struct {
	users        dataset.Encoder
	products     dataset.Encoder
	interactions *sparse.Matrix[float64]
	model        *cf.ALS
	descriptor   *docstore.Descriptor
	popular      []Score
	config       config.ServingConfig
}

// LoadRecommender loads the model named by the latest descriptor together with the blobs the
// descriptor references. Every artifact must be present and intact.
func LoadRecommender(ctx context.Context, gateway *artifact.Gateway, cfg config.ServingConfig) (*Recommender, error) {
	descriptor, err := gateway.LatestDescriptor(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "failed to find model descriptor")
	}
	m, err := gateway.LoadModel(ctx, descriptor)
	if err != nil {
		return nil, errors.Trace(err)
	}
	users, err := gateway.GetEncoder(ctx, descriptor.UserEncoderBlob)
	if err != nil {
		return nil, errors.Trace(err)
	}
	products, err := gateway.GetEncoder(ctx, descriptor.ProductEncoderBlob)
	if err != nil {
		return nil, errors.Trace(err)
	}
	interactions, err := gateway.GetMatrix(ctx, descriptor.InteractionMatrixBlob)
	if err != nil {
		return nil, errors.Trace(err)
	}
	r := NewRecommender(users, products, interactions, m, cfg)
	r.descriptor = descriptor
	log.Logger().Info("load recommender",
		zap.String("descriptor", descriptor.ID),
		zap.Int("users", users.Len()),
		zap.Int("products", products.Len()),
		zap.Int("popular", len(r.popular)))
	return r, nil
}

func NewRecommender(users, products dataset.Encoder, interactions *sparse.Matrix[float64], m *cf.ALS, cfg config.ServingConfig) *Recommender {
	if rows, cols := interactions.Shape(); rows != users.Len() || cols != products.Len() {
		log.Logger().Warn("interaction matrix disagrees with encoders",
			zap.Int("rows", rows), zap.Int("cols", cols),
			zap.Int("users", users.Len()), zap.Int("products", products.Len()))
	}
	return &Recommender{
		users:        users,
		products:     products,
		interactions: interactions,
		model:        m,
		popular:      PopularProducts(interactions, products, cfg.PopularCount),
		config:       cfg,
	}
}

func (r *Recommender) Descriptor() *docstore.Descriptor {
	return r.descriptor
}

func (r *Recommender) Popular() []Score {
	return r.popular
}

// PopularProducts ranks products by their total interaction weight.
func PopularProducts(interactions *sparse.Matrix[float64], products dataset.Encoder, n int) []Score {
	filter := heap.NewTopKFilter[int32, float64](n)
	for j, sum := range interactions.ColumnSums() {
		if sum > 0 {
			filter.Push(int32(j), sum)
		}
	}
	indices, sums := filter.PopAll()
	var scores []Score
	for i, index := range indices {
		if id, ok := products.ID(index); ok {
			scores = append(scores, Score{ProductID: id, Score: sums[i], Source: SourcePopular})
		}
	}
	return scores
}

// Recommend returns up to recommendation_count products for a user. Model recommendations
// come first and are padded with popular products up to minimum_count. Unknown users get
// popular products only.
func (r *Recommender) Recommend(userID string) []Score {
	var scores []Score
	userIndex, err := r.users.IndexOf(dataset.CanonicalID(userID))
	if err == nil && r.model != nil {
		scores = r.recommendModel(int(userIndex))
	} else {
		log.Logger().Debug("unknown user, recommend popular products", zap.String("user_id", userID))
	}
	if len(scores) >= r.config.MinimumCount {
		return scores
	}
	seen := mapset.NewThreadUnsafeSet(lo.Map(scores, func(s Score, _ int) string {
		return s.ProductID
	})...)
	for _, s := range r.popular {
		if len(scores) >= r.config.MinimumCount {
			break
		}
		if !seen.Contains(s.ProductID) {
			scores = append(scores, s)
			seen.Add(s.ProductID)
		}
	}
	return scores
}

func (r *Recommender) recommendModel(userIndex int) []Score {
	var (
		items []int32
		conf  []float32
	)
	if rows, _ := r.interactions.Shape(); userIndex < rows {
		indices, values := r.interactions.Row(userIndex)
		alpha := r.model.Hyperparams().Alpha
		items = slices.Clone(indices)
		conf = lo.Map(values, func(v float64, _ int) float32 {
			return float32(v) * alpha
		})
	}
	indices, scores := r.model.Recommend(userIndex, items, conf, r.config.RecommendationCount, false)
	var result []Score
	for i, index := range indices {
		// factors may cover products the encoder no longer knows
		if index < 0 || int(index) >= r.products.Len() {
			continue
		}
		id, _ := r.products.ID(index)
		result = append(result, Score{ProductID: id, Score: float64(scores[i]), Source: SourceModel})
	}
	return result
}
