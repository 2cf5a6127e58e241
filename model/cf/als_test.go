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

package cf

import (
	"bytes"
	"context"
	"testing"

	"github.com/gorse-io/alsbatch/common/sparse"
	"github.com/gorse-io/alsbatch/model"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// two disjoint communities: users 0-2 buy items 0-2, users 3-5 buy items 3-5
func newClusteredItemUsers(t *testing.T) *sparse.Matrix[float32] {
	var users, items []int32
	add := func(u int32, is ...int32) {
		for _, i := range is {
			users = append(users, u)
			items = append(items, i)
		}
	}
	add(0, 0, 1)
	add(1, 0, 1, 2)
	add(2, 1, 2)
	add(3, 3, 4)
	add(4, 3, 4, 5)
	add(5, 4, 5)
	weights := make([]float32, len(users))
	for i := range weights {
		weights[i] = 15
	}
	m, err := sparse.Build(items, users, weights, 6, 6)
	require.NoError(t, err)
	return m
}

var testParams = model.Params{
	model.NFactors: 4,
	model.NEpochs:  10,
	model.Reg:      0.01,
}

func TestALS_Defaults(t *testing.T) {
	als := NewALS(model.Params{})
	assert.Equal(t, Hyperparameters{
		Factors:        10,
		Regularization: 0.01,
		Iterations:     2,
		Alpha:          15,
		RandomState:    42,
	}, als.Hyperparams())
	assert.True(t, als.Invalid())
}

func TestALS_Train(t *testing.T) {
	itemUsers := newClusteredItemUsers(t)
	als, err := Train(context.Background(), itemUsers, testParams, NewFitConfig())
	require.NoError(t, err)
	assert.Equal(t, 6, als.CountUsers())
	assert.Equal(t, 6, als.CountItems())
	assert.Greater(t, als.Predict(0, 1), als.Predict(0, 4))
	assert.Greater(t, als.Predict(5, 4), als.Predict(5, 1))

	userItems := itemUsers.Transpose()
	items, conf := userItems.Row(0)
	recommends, scores := als.Recommend(0, items, conf, 3, true)
	require.Len(t, recommends, 3)
	assert.Equal(t, int32(2), recommends[0])
	assert.NotContains(t, recommends, int32(0))
	assert.NotContains(t, recommends, int32(1))
	assert.IsNonIncreasing(t, scores)
}

func TestALS_TrainEmpty(t *testing.T) {
	_, err := Train(context.Background(), sparse.Zeros[float32](3, 3), testParams, nil)
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestALS_TrainParallel(t *testing.T) {
	itemUsers := newClusteredItemUsers(t)
	serial, err := Train(context.Background(), itemUsers, testParams, NewFitConfig())
	require.NoError(t, err)
	concurrent, err := Train(context.Background(), itemUsers, testParams, NewFitConfig().SetJobs(4))
	require.NoError(t, err)
	assert.Equal(t, serial.UserFactor, concurrent.UserFactor)
	assert.Equal(t, serial.ItemFactor, concurrent.ItemFactor)
}

func TestALS_TrainCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Train(ctx, newClusteredItemUsers(t), testParams, NewFitConfig().SetJobs(2))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestALS_RecommendNewUser(t *testing.T) {
	als, err := Train(context.Background(), newClusteredItemUsers(t), testParams, NewFitConfig())
	require.NoError(t, err)
	// user 6 joined after training and bought items 3 and 4, plus an item unknown to the model
	recommends, _ := als.Recommend(6, []int32{3, 4, 9}, []float32{15, 15, 15}, 10, true)
	require.NotEmpty(t, recommends)
	assert.Equal(t, int32(5), recommends[0])
	for _, i := range recommends {
		assert.Less(t, int(i), als.CountItems())
	}
	// liked items are kept when not filtered
	recommends, _ = als.Recommend(0, []int32{0, 1}, []float32{15, 15}, 6, false)
	assert.Len(t, recommends, 6)
}

func TestALS_RecommendInvalid(t *testing.T) {
	als := NewALS(nil)
	recommends, scores := als.Recommend(0, nil, nil, 10, true)
	assert.Empty(t, recommends)
	assert.Empty(t, scores)
}

func TestALS_Marshal(t *testing.T) {
	als, err := Train(context.Background(), newClusteredItemUsers(t), testParams, NewFitConfig())
	require.NoError(t, err)
	buf := bytes.NewBuffer(nil)
	require.NoError(t, MarshalModel(buf, als))
	copied, err := UnmarshalModel(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, als.UserFactor, copied.UserFactor)
	assert.Equal(t, als.ItemFactor, copied.ItemFactor)
	assert.Equal(t, als.Hyperparams(), copied.Hyperparams())

	// truncated stream
	_, err = UnmarshalModel(bytes.NewReader(buf.Bytes()[:buf.Len()-3]))
	assert.Error(t, err)
}

func TestUnmarshalModelUnknown(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	require.NoError(t, MarshalModel(buf, NewALS(testParams)))
	data := buf.Bytes()
	// corrupt model name
	data[4] = 'x'
	_, err := UnmarshalModel(bytes.NewReader(data))
	assert.True(t, errors.Is(err, errors.NotValid))
}
