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

package artifact

import (
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/bits-and-blooms/bitset"
	"github.com/juju/errors"
)

const (
	// ErrModelIntegrity is the class of every chunk set failure.
	ErrModelIntegrity = errors.ConstError("model integrity error")
	// ErrIncompleteChunkSet means some index in [0, total) is missing.
	ErrIncompleteChunkSet = errors.ConstError("incomplete chunk set")
	// ErrCorruptChunk means a chunk can not be decoded or does not belong to the set.
	ErrCorruptChunk = errors.ConstError("corrupt chunk")
)

type integrityError struct {
	kind error
	msg  string
}

func (e *integrityError) Error() string {
	return e.kind.Error() + ": " + e.msg
}

func (e *integrityError) Unwrap() []error {
	return []error{e.kind, ErrModelIntegrity}
}

func incomplete(format string, args ...any) error {
	return &integrityError{kind: ErrIncompleteChunkSet, msg: fmt.Sprintf(format, args...)}
}

func corrupt(format string, args ...any) error {
	return &integrityError{kind: ErrCorruptChunk, msg: fmt.Sprintf(format, args...)}
}

// Piece is a slice of a serialized model, base64 encoded on its own.
type Piece struct {
	Index int
	Total int
	Data  string
}

// Chunk cuts data into ceil(len/maxChunkSize) pieces. Empty input yields no pieces.
func Chunk(data []byte, maxChunkSize int) ([]Piece, error) {
	if maxChunkSize <= 0 {
		return nil, errors.NotValidf("max chunk size %d", maxChunkSize)
	}
	total := (len(data) + maxChunkSize - 1) / maxChunkSize
	pieces := make([]Piece, 0, total)
	for i := 0; i < total; i++ {
		begin := i * maxChunkSize
		end := min(begin+maxChunkSize, len(data))
		pieces = append(pieces, Piece{
			Index: i,
			Total: total,
			Data:  base64.StdEncoding.EncodeToString(data[begin:end]),
		})
	}
	return pieces, nil
}

// Reassemble decodes pieces one by one and concatenates them in index order. The result must
// be exactly expectedSize bytes long.
func Reassemble(pieces []Piece, total int, expectedSize int64) ([]byte, error) {
	if total < 0 {
		return nil, corrupt("total chunks %d", total)
	}
	sorted := make([]Piece, len(pieces))
	copy(sorted, pieces)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Index < sorted[j].Index
	})
	seen := bitset.New(uint(total))
	for _, piece := range sorted {
		if piece.Index < 0 || piece.Index >= total {
			return nil, corrupt("chunk index %d out of range [0, %d)", piece.Index, total)
		}
		if piece.Total != total {
			return nil, corrupt("chunk %d claims %d chunks, expect %d", piece.Index, piece.Total, total)
		}
		if seen.Test(uint(piece.Index)) {
			return nil, corrupt("duplicate chunk %d", piece.Index)
		}
		seen.Set(uint(piece.Index))
	}
	if seen.Count() != uint(total) {
		missing, _ := seen.Complement().NextSet(0)
		return nil, incomplete("%d of %d chunks present, chunk %d missing", seen.Count(), total, missing)
	}
	var encodedSize int
	for _, piece := range sorted {
		encodedSize += base64.StdEncoding.DecodedLen(len(piece.Data))
	}
	data := make([]byte, 0, min(max(expectedSize, 0), int64(encodedSize)))
	for _, piece := range sorted {
		decoded, err := base64.StdEncoding.DecodeString(piece.Data)
		if err != nil {
			return nil, corrupt("chunk %d: %v", piece.Index, err)
		}
		data = append(data, decoded...)
	}
	if int64(len(data)) != expectedSize {
		return nil, corrupt("reassembled %d bytes, expect %d", len(data), expectedSize)
	}
	return data, nil
}
