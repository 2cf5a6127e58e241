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
	"testing"

	"github.com/gorse-io/alsbatch/common/sparse"
	"github.com/gorse-io/alsbatch/config"
	"github.com/gorse-io/alsbatch/dataset"
	"github.com/gorse-io/alsbatch/storage/docstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUpdateJob(strategy dataset.Strategy) *Job {
	cfg := config.GetDefaultConfig()
	cfg.Model.Factors = 4
	cfg.Model.Iterations = 3
	cfg.Model.EncoderStrategy = string(strategy)
	return NewJob(cfg, nil)
}

func existingArtifacts(t *testing.T) Artifacts {
	m, err := sparse.Build([]int32{0, 1}, []int32{1, 0}, []float64{2, 5}, 2, 2)
	require.NoError(t, err)
	return Artifacts{
		Users:        dataset.NewEncoder("b", "d"),
		Products:     dataset.NewEncoder("y", "w"),
		Interactions: m,
	}
}

func at(m *sparse.Matrix[float64], users, products dataset.Encoder, user, product string) float64 {
	i, err := users.IndexOf(user)
	if err != nil {
		return -1
	}
	j, err := products.IndexOf(product)
	if err != nil {
		return -1
	}
	return m.At(int(i), int(j))
}

func TestUpdateAppend(t *testing.T) {
	job := newUpdateJob(dataset.StrategyAppend)
	a := existingArtifacts(t)
	next, stats, err := job.Update(context.Background(), a, []dataset.Interaction{
		{UserID: "a", ProductID: "w", Quantity: 1},
		{UserID: "b", ProductID: "w", Quantity: 3},
		{UserID: "c", ProductID: "x", Quantity: 4},
		{UserID: "c", ProductID: "x", Quantity: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, UpdateStats{Interactions: 4, NewUsers: 2, NewProducts: 1, Trained: true}, stats)
	assert.Equal(t, []string{"b", "d", "a", "c"}, next.Users.IDs())
	assert.Equal(t, []string{"y", "w", "x"}, next.Products.IDs())
	assert.Equal(t, 5.0, at(next.Interactions, next.Users, next.Products, "b", "w"))
	assert.Equal(t, 5.0, at(next.Interactions, next.Users, next.Products, "d", "y"))
	assert.Equal(t, 1.0, at(next.Interactions, next.Users, next.Products, "a", "w"))
	assert.Equal(t, 5.0, at(next.Interactions, next.Users, next.Products, "c", "x"))
	assert.Equal(t, 4, next.Interactions.Nnz())
	require.NotNil(t, next.Model)
	assert.Equal(t, 4, next.Model.CountUsers())
	assert.Equal(t, 3, next.Model.CountItems())

	// the input is untouched
	assert.Equal(t, []string{"b", "d"}, a.Users.IDs())
	assert.Equal(t, 2, a.Interactions.Nnz())
	assert.Nil(t, a.Model)
}

func TestUpdateSorted(t *testing.T) {
	job := newUpdateJob(dataset.StrategySorted)
	a := existingArtifacts(t)
	next, stats, err := job.Update(context.Background(), a, []dataset.Interaction{
		{UserID: "a", ProductID: "w", Quantity: 1},
		{UserID: "b", ProductID: "w", Quantity: 3},
		{UserID: "c", ProductID: "x", Quantity: 4},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.NewUsers)
	assert.Equal(t, []string{"a", "b", "c", "d"}, next.Users.IDs())
	assert.Equal(t, []string{"w", "x", "y"}, next.Products.IDs())
	// old cells follow their identifiers
	assert.Equal(t, 5.0, at(next.Interactions, next.Users, next.Products, "b", "w"))
	assert.Equal(t, 5.0, at(next.Interactions, next.Users, next.Products, "d", "y"))
	assert.Equal(t, 1.0, at(next.Interactions, next.Users, next.Products, "a", "w"))
	assert.Equal(t, 4.0, at(next.Interactions, next.Users, next.Products, "c", "x"))
	assert.Equal(t, 0.0, at(next.Interactions, next.Users, next.Products, "b", "y"))
}

func TestUpdateStrategiesAgree(t *testing.T) {
	interactions := []dataset.Interaction{
		{UserID: "b", ProductID: "c", Quantity: 1},
		{UserID: "a", ProductID: "b", Quantity: 2},
	}
	start := Artifacts{
		Users:        dataset.NewEncoder("a", "b"),
		Products:     dataset.NewEncoder("a", "b"),
		Interactions: sparse.Zeros[float64](2, 2),
	}
	appended, _, err := newUpdateJob(dataset.StrategyAppend).Update(context.Background(), start, interactions)
	require.NoError(t, err)
	sorted, _, err := newUpdateJob(dataset.StrategySorted).Update(context.Background(), start, interactions)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, appended.Products.IDs())
	assert.Equal(t, appended.Products.IDs(), sorted.Products.IDs())
	assert.True(t, sparse.Equal(appended.Interactions, sorted.Interactions))
}

func TestUpdateSkipsTraining(t *testing.T) {
	job := newUpdateJob(dataset.StrategyAppend)
	a := EmptyArtifacts()
	next, stats, err := job.Update(context.Background(), a, nil)
	require.NoError(t, err)
	assert.False(t, stats.Trained)
	assert.Nil(t, next.Model)
	assert.Zero(t, next.Interactions.Nnz())
}

func TestUpdateKeepsSavedModel(t *testing.T) {
	job := newUpdateJob(dataset.StrategyAppend)
	a := existingArtifacts(t)
	trained, _, err := job.Update(context.Background(), a, nil)
	require.NoError(t, err)
	require.NotNil(t, trained.Model)

	// nothing new: the loaded model and its descriptor stay
	trained.Descriptor = &docstore.Descriptor{ID: "desc_1"}
	kept, stats, err := job.Update(context.Background(), trained, nil)
	require.NoError(t, err)
	assert.False(t, stats.Trained)
	assert.Same(t, trained.Model, kept.Model)
	assert.Equal(t, "desc_1", kept.Descriptor.ID)

	// a retrained model is no longer described by the loaded descriptor
	retrained, stats, err := job.Update(context.Background(), trained, []dataset.Interaction{
		{UserID: "b", ProductID: "y", Quantity: 1},
	})
	require.NoError(t, err)
	assert.True(t, stats.Trained)
	assert.Nil(t, retrained.Descriptor)
	assert.NotSame(t, trained.Model, retrained.Model)
}

func TestUpdateInconsistent(t *testing.T) {
	job := newUpdateJob(dataset.StrategyAppend)
	a := existingArtifacts(t)
	a.Users = dataset.NewEncoder("b")
	_, _, err := job.Update(context.Background(), a, nil)
	assert.Error(t, err)
}
