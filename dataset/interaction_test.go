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
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadInteractions(t *testing.T) {
	interactions, stats, err := ReadInteractions(strings.NewReader(
		"user_id,product_id,quantity\n" +
			"u1,p1,3\n" +
			"u1,p2,-1\n" +
			"u2,p1,\"x\"\n"))
	require.NoError(t, err)
	assert.Equal(t, []Interaction{{UserID: "u1", ProductID: "p1", Quantity: 3}}, interactions)
	assert.Equal(t, ParseStats{Valid: 1, Invalid: 2}, stats)
}

func TestReadInteractionsColumns(t *testing.T) {
	interactions, stats, err := ReadInteractions(strings.NewReader(
		"\ufefforder_date,Quantity,product_id,user_id\r\n" +
			"2024-01-01,2.5, p9 ,u7\r\n" +
			"\r\n" +
			"2024-01-02,1,,u7\r\n" +
			"2024-01-03,NaN,p1,u1\r\n" +
			"2024-01-04,Inf,p1,u1\r\n" +
			"2024-01-05,0,p1,u1\r\n" +
			"2024-01-06,4\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []Interaction{{UserID: "u7", ProductID: "p9", Quantity: 2.5}}, interactions)
	assert.Equal(t, ParseStats{Valid: 1, Invalid: 5}, stats)
}

func TestReadInteractionsHeader(t *testing.T) {
	_, _, err := ReadInteractions(strings.NewReader("user_id,quantity\nu1,1\n"))
	assert.True(t, errors.Is(err, errors.NotValid))
	_, _, err = ReadInteractions(strings.NewReader(""))
	assert.True(t, errors.Is(err, errors.NotValid))
	// header only
	interactions, stats, err := ReadInteractions(strings.NewReader("user_id,product_id,quantity\n"))
	assert.NoError(t, err)
	assert.Empty(t, interactions)
	assert.Zero(t, stats.Valid+stats.Invalid)
}

func TestParseInteraction(t *testing.T) {
	_, err := ParseInteraction(" ", "p", "1")
	assert.ErrorIs(t, err, ErrInvalidInteraction)
	interaction, err := ParseInteraction(" u ", "p", " 1e2 ")
	assert.NoError(t, err)
	assert.Equal(t, Interaction{UserID: "u", ProductID: "p", Quantity: 100}, interaction)
}

func TestReadInteractionsInvalidUTF8(t *testing.T) {
	interactions, stats, err := ReadInteractions(strings.NewReader(
		"user_id,product_id,quantity\n" +
			"u\xff,p1,1\n" +
			"u\xfe,p1,1\n" +
			"u1,p\xc3,1\n" +
			"ü,p1,2\n"))
	require.NoError(t, err)
	assert.Equal(t, []Interaction{{UserID: "ü", ProductID: "p1", Quantity: 2}}, interactions)
	assert.Equal(t, ParseStats{Valid: 1, Invalid: 3}, stats)
	_, err = ParseInteraction("u\xff", "p", "1")
	assert.ErrorIs(t, err, ErrInvalidInteraction)
}

func TestUniqueIDs(t *testing.T) {
	users, products := UniqueIDs([]Interaction{
		{UserID: "u1", ProductID: "p1"},
		{UserID: "u2", ProductID: "p1"},
		{UserID: "u1", ProductID: "p2"},
	})
	assert.ElementsMatch(t, []string{"u1", "u2"}, users)
	assert.ElementsMatch(t, []string{"p1", "p2"}, products)
}
