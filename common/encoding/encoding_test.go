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

package encoding

import (
	"bytes"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestWriteMatrix(t *testing.T) {
	a := [][]float32{{1, 2}, {3, 4}}
	buf := bytes.NewBuffer(nil)
	err := WriteMatrix(buf, a)
	assert.NoError(t, err)
	b := [][]float32{{0, 0}, {0, 0}}
	err = ReadMatrix(buf, b)
	assert.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestWriteString(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	assert.NoError(t, WriteString(buf, "abc"))
	assert.NoError(t, WriteString(buf, ""))
	assert.NoError(t, WriteString(buf, "d"))
	for _, expected := range []string{"abc", "", "d"} {
		s, err := ReadString(buf)
		assert.NoError(t, err)
		assert.Equal(t, expected, s)
	}
	_, err := ReadString(buf)
	assert.Error(t, err)
}

func TestReadBytesTruncated(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	assert.NoError(t, WriteBytes(buf, []byte("hello")))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-1])
	_, err := ReadBytes(truncated)
	assert.Error(t, err)
	// negative length
	_, err = ReadBytes(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}))
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestWriteGob(t *testing.T) {
	a := map[string]int{"factors": 10}
	buf := bytes.NewBuffer(nil)
	err := WriteGob(buf, a)
	assert.NoError(t, err)
	var b map[string]int
	err = ReadGob(buf, &b)
	assert.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestMagic(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	assert.NoError(t, WriteMagic(buf, "ENC1"))
	assert.Error(t, WriteMagic(buf, "TOOLONG"))
	assert.NoError(t, ReadMagic(bytes.NewReader(buf.Bytes()), "ENC1"))
	assert.True(t, errors.Is(ReadMagic(bytes.NewReader(buf.Bytes()), "CSR1"), errors.NotValid))
}
