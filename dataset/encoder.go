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

package dataset

import (
	"bufio"
	"encoding/binary"
	"io"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorse-io/alsbatch/common/encoding"
	"github.com/juju/errors"
)

// ErrUnknownIdentifier is returned by Encoder.IndexOf for identifiers that were never added.
const ErrUnknownIdentifier = errors.ConstError("unknown identifier")

// Strategy decides how new identifiers receive indices.
type Strategy string

const (
	// StrategyAppend gives new identifiers indices after all existing ones.
	StrategyAppend Strategy = "append"
	// StrategySorted reassigns every index by the sorted order of the union.
	// Existing indices may move and the caller must relabel dependent data.
	StrategySorted Strategy = "sorted"
)

// Encoder maps external identifiers to dense indices [0, Len()).
// It is either EmptyEncoder or *PopulatedEncoder.
type Encoder interface {
	Len() int
	IndexOf(id string) (int32, error)
	ID(index int32) (string, bool)
	IDs() []string
	sealed()
}

// EmptyEncoder has no identifiers. It stands for an encoder that was never
// persisted.
type EmptyEncoder struct{}

func (EmptyEncoder) Len() int { return 0 }

func (EmptyEncoder) IndexOf(id string) (int32, error) {
	return 0, errors.Annotatef(ErrUnknownIdentifier, "%q", id)
}

func (EmptyEncoder) ID(int32) (string, bool) { return "", false }

func (EmptyEncoder) IDs() []string { return nil }

func (EmptyEncoder) sealed() {}

// PopulatedEncoder holds at least one identifier.
type PopulatedEncoder struct {
	index map[string]int32
	ids   []string
}

// NewEncoder assigns indices in the given order. Repeated identifiers keep
// their first index.
func NewEncoder(ids ...string) Encoder {
	if len(ids) == 0 {
		return EmptyEncoder{}
	}
	enc := &PopulatedEncoder{
		index: make(map[string]int32, len(ids)),
		ids:   make([]string, 0, len(ids)),
	}
	for _, id := range ids {
		enc.add(id)
	}
	return enc
}

func (enc *PopulatedEncoder) add(id string) {
	if _, exist := enc.index[id]; !exist {
		enc.index[id] = int32(len(enc.ids))
		enc.ids = append(enc.ids, id)
	}
}

func (enc *PopulatedEncoder) Len() int {
	return len(enc.ids)
}

func (enc *PopulatedEncoder) IndexOf(id string) (int32, error) {
	if index, exist := enc.index[id]; exist {
		return index, nil
	}
	return 0, errors.Annotatef(ErrUnknownIdentifier, "%q", id)
}

func (enc *PopulatedEncoder) ID(index int32) (string, bool) {
	if index < 0 || int(index) >= len(enc.ids) {
		return "", false
	}
	return enc.ids[index], true
}

// IDs returns identifiers ordered by index.
func (enc *PopulatedEncoder) IDs() []string {
	return slices.Clone(enc.ids)
}

func (enc *PopulatedEncoder) sealed() {}

// Remapping maps an old index to its new index after Extend. A nil Remapping
// means no index moved.
type Remapping []int32

// Extend returns an encoder containing the identifiers of enc and ids. enc is
// not modified.
func Extend(enc Encoder, ids []string, strategy Strategy) (Encoder, Remapping, error) {
	switch strategy {
	case StrategyAppend, "":
		unseen := mapset.NewThreadUnsafeSet[string]()
		for _, id := range ids {
			if _, err := enc.IndexOf(id); err != nil {
				unseen.Add(id)
			}
		}
		if unseen.Cardinality() == 0 {
			return enc, nil, nil
		}
		added := unseen.ToSlice()
		slices.Sort(added)
		return NewEncoder(append(enc.IDs(), added...)...), nil, nil
	case StrategySorted:
		union := mapset.NewThreadUnsafeSet[string](enc.IDs()...)
		union.Append(ids...)
		sorted := union.ToSlice()
		slices.Sort(sorted)
		extended := NewEncoder(sorted...)
		var (
			remapping = make(Remapping, enc.Len())
			identity  = true
		)
		for i, id := range enc.IDs() {
			newIndex, _ := extended.IndexOf(id)
			remapping[i] = newIndex
			identity = identity && newIndex == int32(i)
		}
		if identity {
			return extended, nil, nil
		}
		return extended, remapping, nil
	default:
		return nil, nil, errors.NotValidf("encoder strategy %q", strategy)
	}
}

const encoderMagic = "ENC1"

// MarshalEncoder writes the identifiers of enc ordered by index.
func MarshalEncoder(w io.Writer, enc Encoder) error {
	bw := bufio.NewWriter(w)
	if err := encoding.WriteMagic(bw, encoderMagic); err != nil {
		return errors.Trace(err)
	}
	if err := binary.Write(bw, binary.LittleEndian, int64(enc.Len())); err != nil {
		return errors.Trace(err)
	}
	for _, id := range enc.IDs() {
		if err := encoding.WriteString(bw, id); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(bw.Flush())
}

// UnmarshalEncoder reads an encoder written by MarshalEncoder.
func UnmarshalEncoder(r io.Reader) (Encoder, error) {
	br := bufio.NewReader(r)
	if err := encoding.ReadMagic(br, encoderMagic); err != nil {
		return nil, errors.Trace(err)
	}
	var n int64
	if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
		return nil, errors.Trace(err)
	}
	if n < 0 || n > 1<<31 {
		return nil, errors.NotValidf("encoder size %d", n)
	}
	ids := make([]string, 0, min(n, 1<<20))
	for i := int64(0); i < n; i++ {
		id, err := encoding.ReadString(br)
		if err != nil {
			return nil, errors.Trace(err)
		}
		ids = append(ids, id)
	}
	enc := NewEncoder(ids...)
	if enc.Len() != len(ids) {
		return nil, errors.NotValidf("encoder with %d duplicated identifiers", len(ids)-enc.Len())
	}
	return enc, nil
}
