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

package sparse

import (
	"encoding/binary"
	"io"

	"github.com/gorse-io/alsbatch/common/encoding"
	"github.com/juju/errors"
	"golang.org/x/exp/constraints"
)

const (
	magic  = "CSR1"
	maxNnz = 1 << 31
)

type header struct {
	ValueSize int64
	Rows      int64
	Cols      int64
	Nnz       int64
}

// Marshal writes the shape, row pointers, column indices and values of m.
func (m *Matrix[T]) Marshal(w io.Writer) error {
	var zero T
	if err := encoding.WriteMagic(w, magic); err != nil {
		return errors.Trace(err)
	}
	h := header{
		ValueSize: int64(binary.Size(zero)),
		Rows:      int64(m.Rows),
		Cols:      int64(m.Cols),
		Nnz:       int64(m.Nnz()),
	}
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return errors.Trace(err)
	}
	if err := binary.Write(w, binary.LittleEndian, m.IndPtr); err != nil {
		return errors.Trace(err)
	}
	if err := binary.Write(w, binary.LittleEndian, m.Indices); err != nil {
		return errors.Trace(err)
	}
	if err := binary.Write(w, binary.LittleEndian, m.Data); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Unmarshal reads a matrix written by Marshal and checks its structure.
func Unmarshal[T constraints.Float](r io.Reader) (*Matrix[T], error) {
	var zero T
	if err := encoding.ReadMagic(r, magic); err != nil {
		return nil, errors.Trace(err)
	}
	var h header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, errors.Trace(err)
	}
	if h.ValueSize != int64(binary.Size(zero)) {
		return nil, errors.NotValidf("value size %d (expected %d)", h.ValueSize, binary.Size(zero))
	}
	if h.Rows < 0 || h.Cols < 0 || h.Rows >= maxNnz || h.Cols >= maxNnz || h.Nnz < 0 || h.Nnz > maxNnz {
		return nil, errors.NotValidf("matrix header %+v", h)
	}
	m := &Matrix[T]{
		Rows:    int(h.Rows),
		Cols:    int(h.Cols),
		IndPtr:  make([]int64, h.Rows+1),
		Indices: make([]int32, h.Nnz),
		Data:    make([]T, h.Nnz),
	}
	if err := binary.Read(r, binary.LittleEndian, m.IndPtr); err != nil {
		return nil, errors.Trace(err)
	}
	if err := binary.Read(r, binary.LittleEndian, m.Indices); err != nil {
		return nil, errors.Trace(err)
	}
	if err := binary.Read(r, binary.LittleEndian, m.Data); err != nil {
		return nil, errors.Trace(err)
	}
	if err := m.validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return m, nil
}

func (m *Matrix[T]) validate() error {
	if m.IndPtr[0] != 0 || m.IndPtr[m.Rows] != int64(len(m.Data)) {
		return errors.NotValidf("row pointers")
	}
	for i := 0; i < m.Rows; i++ {
		if m.IndPtr[i] > m.IndPtr[i+1] {
			return errors.NotValidf("row pointers of row %d", i)
		}
		indices, _ := m.Row(i)
		for k, j := range indices {
			if j < 0 || int(j) >= m.Cols || (k > 0 && indices[k-1] >= j) {
				return errors.NotValidf("column indices of row %d", i)
			}
		}
	}
	return nil
}
