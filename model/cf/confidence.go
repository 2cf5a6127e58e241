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
	"github.com/chewxy/math32"
	"github.com/gorse-io/alsbatch/common/sparse"
	"github.com/juju/errors"
)

// ErrNonFiniteConfidence is returned when scaling produces NaN or Inf.
const ErrNonFiniteConfidence = errors.ConstError("non-finite confidence")

// ToConfidence scales every stored interaction by alpha and narrows it to float32.
func ToConfidence(m *sparse.Matrix[float64], alpha float32) (*sparse.Matrix[float32], error) {
	if math32.IsNaN(alpha) || math32.IsInf(alpha, 0) || alpha <= 0 {
		return nil, errors.NotValidf("alpha %v", alpha)
	}
	conf := sparse.Map(m, func(v float64) float32 {
		return float32(v) * alpha
	})
	for k, c := range conf.Data {
		if math32.IsNaN(c) || math32.IsInf(c, 0) {
			return nil, errors.Annotatef(ErrNonFiniteConfidence, "cell %d holds %v", k, c)
		}
	}
	return conf, nil
}
