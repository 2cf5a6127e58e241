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
	"io"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorse-io/alsbatch/common/log"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// ErrInvalidInteraction marks a row that is dropped and counted.
const ErrInvalidInteraction = errors.ConstError("invalid interaction")

const (
	ColumnUserID    = "user_id"
	ColumnProductID = "product_id"
	ColumnQuantity  = "quantity"
)

const maxLineSize = 16 * 1024 * 1024

// Interaction is one validated purchase row.
type Interaction struct {
	UserID    string
	ProductID string
	Quantity  float64
}

// ParseStats counts the rows of one input.
type ParseStats struct {
	Valid   int
	Invalid int
}

func (s ParseStats) Add(other ParseStats) ParseStats {
	return ParseStats{Valid: s.Valid + other.Valid, Invalid: s.Invalid + other.Invalid}
}

// CanonicalID trims surrounding white space from an identifier.
func CanonicalID(id string) string {
	return strings.TrimSpace(id)
}

// ParseInteraction validates the raw fields of a row. Identifiers must not
// be empty and quantity must be a finite number greater than zero.
func ParseInteraction(userID, productID, quantity string) (Interaction, error) {
	userID, productID = CanonicalID(userID), CanonicalID(productID)
	if userID == "" {
		return Interaction{}, errors.Annotate(ErrInvalidInteraction, "empty user id")
	}
	if productID == "" {
		return Interaction{}, errors.Annotate(ErrInvalidInteraction, "empty product id")
	}
	if !utf8.ValidString(userID) || !utf8.ValidString(productID) {
		return Interaction{}, errors.Annotatef(ErrInvalidInteraction, "identifiers %q, %q are not valid UTF-8", userID, productID)
	}
	q, err := strconv.ParseFloat(strings.TrimSpace(quantity), 64)
	if err != nil {
		return Interaction{}, errors.Annotatef(ErrInvalidInteraction, "quantity %q", quantity)
	}
	if math.IsNaN(q) || math.IsInf(q, 0) || q <= 0 {
		return Interaction{}, errors.Annotatef(ErrInvalidInteraction, "quantity %v", q)
	}
	return Interaction{UserID: userID, ProductID: productID, Quantity: q}, nil
}

// ReadInteractions reads comma separated rows with a header naming at least
// user_id, product_id and quantity. Other columns are ignored. Invalid rows
// are counted, not returned. A missing column fails the whole input.
func ReadInteractions(r io.Reader) ([]Interaction, ParseStats, error) {
	var (
		interactions []Interaction
		stats        ParseStats
		columns      map[string]int
		headerErr    error
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	err := ReadLines(sc, ',', func(line int, fields []string) bool {
		if columns == nil {
			columns = make(map[string]int)
			for i, name := range fields {
				name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
				if _, exist := columns[name]; !exist {
					columns[name] = i
				}
			}
			missing := lo.Filter([]string{ColumnUserID, ColumnProductID, ColumnQuantity}, func(name string, _ int) bool {
				_, exist := columns[name]
				return !exist
			})
			if len(missing) > 0 {
				headerErr = errors.NotValidf("header without columns %v", missing)
				return false
			}
			return true
		}
		if len(fields) == 1 && strings.TrimSpace(fields[0]) == "" {
			// blank line
			return true
		}
		field := func(name string) string {
			if i := columns[name]; i < len(fields) {
				return fields[i]
			}
			return ""
		}
		interaction, err := ParseInteraction(field(ColumnUserID), field(ColumnProductID), field(ColumnQuantity))
		if err != nil {
			stats.Invalid++
			log.Logger().Debug("drop invalid interaction", zap.Int("line", line), zap.Error(err))
			return true
		}
		stats.Valid++
		interactions = append(interactions, interaction)
		return true
	})
	if err != nil {
		return nil, stats, errors.Trace(err)
	}
	if headerErr != nil {
		return nil, stats, headerErr
	}
	if columns == nil {
		return nil, stats, errors.NotValidf("input without header")
	}
	return interactions, stats, nil
}

// UniqueIDs returns the distinct user and product identifiers of interactions.
func UniqueIDs(interactions []Interaction) (users, products []string) {
	userSet := mapset.NewThreadUnsafeSet[string]()
	productSet := mapset.NewThreadUnsafeSet[string]()
	for _, interaction := range interactions {
		userSet.Add(interaction.UserID)
		productSet.Add(interaction.ProductID)
	}
	return userSet.ToSlice(), productSet.ToSlice()
}
