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
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/gorse-io/alsbatch/common/encoding"
	"github.com/gorse-io/alsbatch/common/heap"
	"github.com/gorse-io/alsbatch/common/log"
	"github.com/gorse-io/alsbatch/common/parallel"
	"github.com/gorse-io/alsbatch/common/sparse"
	"github.com/gorse-io/alsbatch/model"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const modelName = "als"

type FitConfig struct {
	Jobs int
}

func NewFitConfig() *FitConfig {
	return &FitConfig{Jobs: 1}
}

func (config *FitConfig) SetJobs(nJobs int) *FitConfig {
	config.Jobs = nJobs
	return config
}

// Hyperparameters are recorded next to every persisted model.
type Hyperparameters struct {
	Factors        int     `json:"factors" bson:"factors"`
	Regularization float32 `json:"regularization" bson:"regularization"`
	Iterations     int     `json:"iterations" bson:"iterations"`
	Alpha          float32 `json:"alpha" bson:"alpha"`
	RandomState    int64   `json:"random_state" bson:"random_state"`
}

// ALS is implicit alternating least squares solved by coordinate descent. Observed cells carry
// preference 1 with confidence c, unobserved cells preference 0 with weight 1.
type ALS struct {
	model.Params
	UserFactor [][]float32 // p_u
	ItemFactor [][]float32 // q_i
	// Hyper parameters
	nFactors   int
	nEpochs    int
	reg        float32
	alpha      float32
	initMean   float32
	initStdDev float32
	seed       int64
}

// NewALS creates an ALS model.
func NewALS(params model.Params) *ALS {
	als := new(ALS)
	als.SetParams(params)
	return als
}

// SetParams sets hyper-parameters for the ALS model.
func (als *ALS) SetParams(params model.Params) {
	als.Params = params
	als.nFactors = als.Params.GetInt(model.NFactors, 10)
	als.nEpochs = als.Params.GetInt(model.NEpochs, 2)
	als.reg = als.Params.GetFloat32(model.Reg, 0.01)
	als.alpha = als.Params.GetFloat32(model.Alpha, 15)
	als.initMean = als.Params.GetFloat32(model.InitMean, 0)
	als.initStdDev = als.Params.GetFloat32(model.InitStdDev, 0.01)
	als.seed = als.Params.GetInt64(model.RandomState, 42)
}

func (als *ALS) GetParams() model.Params {
	return als.Params
}

func (als *ALS) Hyperparams() Hyperparameters {
	return Hyperparameters{
		Factors:        als.nFactors,
		Regularization: als.reg,
		Iterations:     als.nEpochs,
		Alpha:          als.alpha,
		RandomState:    als.seed,
	}
}

func (als *ALS) CountUsers() int {
	return len(als.UserFactor)
}

func (als *ALS) CountItems() int {
	return len(als.ItemFactor)
}

// Invalid reports whether the model has never been fitted.
func (als *ALS) Invalid() bool {
	return als == nil || als.UserFactor == nil || als.ItemFactor == nil
}

// Train builds and fits a fresh model on an item-user confidence matrix.
func Train(ctx context.Context, itemUsers *sparse.Matrix[float32], params model.Params, config *FitConfig) (*ALS, error) {
	als := NewALS(params)
	if err := als.Fit(ctx, itemUsers, config); err != nil {
		return nil, errors.Trace(err)
	}
	return als, nil
}

func (als *ALS) Init(nUsers, nItems int) {
	rng := rand.New(rand.NewSource(als.seed))
	als.UserFactor = normalMatrix(rng, nUsers, als.nFactors, als.initMean, als.initStdDev)
	als.ItemFactor = normalMatrix(rng, nItems, als.nFactors, als.initMean, als.initStdDev)
}

// Fit the model on items-as-rows, users-as-columns confidence. Both factor matrices are
// replaced.
func (als *ALS) Fit(ctx context.Context, itemUsers *sparse.Matrix[float32], config *FitConfig) error {
	if config == nil {
		config = NewFitConfig()
	}
	if itemUsers.Nnz() == 0 {
		return errors.NotValidf("empty training matrix")
	}
	nItems, nUsers := itemUsers.Shape()
	userItems := itemUsers.Transpose()
	log.Logger().Info("fit als",
		zap.Int("n_users", nUsers),
		zap.Int("n_items", nItems),
		zap.Int("nnz", itemUsers.Nnz()),
		zap.String("params", als.Params.ToString()),
		zap.Int("jobs", config.Jobs))
	als.Init(nUsers, nItems)

	jobs := max(config.Jobs, 1)
	s := make([][]float32, als.nFactors)
	for i := range s {
		s[i] = make([]float32, als.nFactors)
	}
	predictions := make([][]float32, jobs)
	residuals := make([][]float32, jobs)
	for ep := 1; ep <= als.nEpochs; ep++ {
		fitStart := time.Now()
		// Update user factors
		// S^q <- \sum_i q_i q_i^T
		gram(s, als.ItemFactor)
		if err := parallel.Parallel(ctx, nUsers, jobs, func(workerId, userIndex int) error {
			items, conf := userItems.Row(userIndex)
			predictions[workerId] = grow(predictions[workerId], len(items))
			residuals[workerId] = grow(residuals[workerId], len(items))
			als.solve(als.UserFactor[userIndex], als.ItemFactor, items, conf, s,
				predictions[workerId], residuals[workerId])
			return nil
		}); err != nil {
			return errors.Trace(err)
		}
		// Update item factors
		// S^p <- P^T P
		gram(s, als.UserFactor)
		if err := parallel.Parallel(ctx, nItems, jobs, func(workerId, itemIndex int) error {
			users, conf := itemUsers.Row(itemIndex)
			predictions[workerId] = grow(predictions[workerId], len(users))
			residuals[workerId] = grow(residuals[workerId], len(users))
			als.solve(als.ItemFactor[itemIndex], als.UserFactor, users, conf, s,
				predictions[workerId], residuals[workerId])
			return nil
		}); err != nil {
			return errors.Trace(err)
		}
		log.Logger().Debug(fmt.Sprintf("fit als %v/%v", ep, als.nEpochs),
			zap.String("fit_time", time.Since(fitStart).String()))
	}
	log.Logger().Info("fit als complete", zap.Int("epochs", als.nEpochs))
	return nil
}

// solve updates every coordinate of x given the fixed side y. indices and conf describe the
// observed cells of x's row; pred and res are scratch buffers of the same length.
func (als *ALS) solve(x []float32, y [][]float32, indices []int32, conf []float32, s [][]float32, pred, res []float32) {
	for k, i := range indices {
		pred[k] = dot(x, y[i])
	}
	for f := 0; f < als.nFactors; f++ {
		// \hat{r}^f <- \hat{r} - x_f y_f
		for k, i := range indices {
			res[k] = pred[k] - x[f]*y[i][f]
		}
		a, b, c := float32(0), float32(0), float32(0)
		for k, i := range indices {
			a += (conf[k] - (conf[k]-1)*res[k]) * y[i][f]
			c += (conf[k] - 1) * y[i][f] * y[i][f]
		}
		for k := 0; k < als.nFactors; k++ {
			if k != f {
				b += x[k] * s[k][f]
			}
		}
		x[f] = (a - b) / (c + s[f][f] + als.reg)
		// \hat{r} <- \hat{r}^f + x_f y_f
		for k, i := range indices {
			pred[k] = res[k] + x[f]*y[i][f]
		}
	}
}

// Predict the affinity between a user and an item.
func (als *ALS) Predict(userIndex, itemIndex int32) float32 {
	if int(userIndex) >= len(als.UserFactor) || int(itemIndex) >= len(als.ItemFactor) || userIndex < 0 || itemIndex < 0 {
		return 0
	}
	return dot(als.UserFactor[userIndex], als.ItemFactor[itemIndex])
}

// UserVector folds a user row into the item factor space. Items the model has never seen are
// ignored.
func (als *ALS) UserVector(items []int32, conf []float32) []float32 {
	keep := lo.Filter(lo.Range(len(items)), func(k int, _ int) bool {
		return items[k] >= 0 && int(items[k]) < len(als.ItemFactor)
	})
	indices := make([]int32, len(keep))
	weights := make([]float32, len(keep))
	for n, k := range keep {
		indices[n], weights[n] = items[k], conf[k]
	}
	s := make([][]float32, als.nFactors)
	for i := range s {
		s[i] = make([]float32, als.nFactors)
	}
	gram(s, als.ItemFactor)
	x := make([]float32, als.nFactors)
	pred := make([]float32, len(indices))
	res := make([]float32, len(indices))
	for ep := 0; ep < max(als.nEpochs, 1); ep++ {
		als.solve(x, als.ItemFactor, indices, weights, s, pred, res)
	}
	return x
}

// Recommend returns the top n items for a user. The stored user factor is used when userIndex
// is covered by the model, otherwise one is computed from the user's row. Items in the row are
// skipped when filterLiked is set.
func (als *ALS) Recommend(userIndex int, items []int32, conf []float32, n int, filterLiked bool) ([]int32, []float32) {
	if als.Invalid() || n <= 0 {
		return nil, nil
	}
	var userFactor []float32
	if userIndex >= 0 && userIndex < len(als.UserFactor) {
		userFactor = als.UserFactor[userIndex]
	} else {
		userFactor = als.UserVector(items, conf)
	}
	liked := make(map[int32]struct{}, len(items))
	if filterLiked {
		for _, i := range items {
			liked[i] = struct{}{}
		}
	}
	filter := heap.NewTopKFilter[int32, float32](n)
	for i := range als.ItemFactor {
		if _, exist := liked[int32(i)]; exist {
			continue
		}
		filter.Push(int32(i), dot(userFactor, als.ItemFactor[i]))
	}
	return filter.PopAll()
}

// Marshal model into byte stream.
func (als *ALS) Marshal(w io.Writer) error {
	if err := encoding.WriteGob(w, als.Params); err != nil {
		return errors.Trace(err)
	}
	dims := []int64{int64(len(als.UserFactor)), int64(len(als.ItemFactor)), int64(als.nFactors)}
	if err := binary.Write(w, binary.LittleEndian, dims); err != nil {
		return errors.Trace(err)
	}
	if err := encoding.WriteMatrix(w, als.UserFactor); err != nil {
		return errors.Trace(err)
	}
	if err := encoding.WriteMatrix(w, als.ItemFactor); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Unmarshal model from byte stream.
func (als *ALS) Unmarshal(r io.Reader) error {
	var params model.Params
	if err := encoding.ReadGob(r, &params); err != nil {
		return errors.Trace(err)
	}
	als.SetParams(params)
	dims := make([]int64, 3)
	if err := binary.Read(r, binary.LittleEndian, dims); err != nil {
		return errors.Trace(err)
	}
	nUsers, nItems, nFactors := dims[0], dims[1], dims[2]
	if nUsers < 0 || nItems < 0 || nFactors != int64(als.nFactors) ||
		(nUsers+nItems)*nFactors*4 > encoding.MaxBytesLength {
		return errors.NotValidf("factor dimensions %v", dims)
	}
	als.UserFactor = zeroMatrix(int(nUsers), int(nFactors))
	als.ItemFactor = zeroMatrix(int(nItems), int(nFactors))
	if err := encoding.ReadMatrix(r, als.UserFactor); err != nil {
		return errors.Trace(err)
	}
	if err := encoding.ReadMatrix(r, als.ItemFactor); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func MarshalModel(w io.Writer, m *ALS) error {
	if err := encoding.WriteString(w, modelName); err != nil {
		return errors.Trace(err)
	}
	if err := m.Marshal(w); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func UnmarshalModel(r io.Reader) (*ALS, error) {
	name, err := encoding.ReadString(r)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if name != modelName {
		return nil, errors.NotValidf("model %q", name)
	}
	var als ALS
	if err := als.Unmarshal(r); err != nil {
		return nil, errors.Trace(err)
	}
	return &als, nil
}

func normalMatrix(rng *rand.Rand, rows, cols int, mean, stdDev float32) [][]float32 {
	m := zeroMatrix(rows, cols)
	for i := range m {
		for j := range m[i] {
			m[i][j] = float32(rng.NormFloat64())*stdDev + mean
		}
	}
	return m
}

func zeroMatrix(rows, cols int) [][]float32 {
	m := make([][]float32, rows)
	for i := range m {
		m[i] = make([]float32, cols)
	}
	return m
}

// gram stores m^T m into s.
func gram(s, m [][]float32) {
	for i := range s {
		clear(s[i])
	}
	for _, row := range m {
		for i := range s {
			for j := range s[i] {
				s[i][j] += row[i] * row[j]
			}
		}
	}
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func grow(buf []float32, n int) []float32 {
	if cap(buf) < n {
		return make([]float32, n)
	}
	return buf[:n]
}
