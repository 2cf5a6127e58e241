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

package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gorse-io/alsbatch/storage"
	"github.com/juju/errors"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type SQLDriver int

const (
	SQLite SQLDriver = iota
	Postgres
)

// SQLDatabase keeps chunks and descriptors in two tables.
type SQLDatabase struct {
	db     *sql.DB
	driver SQLDriver
}

func (s *SQLDatabase) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders into the syntax of the driver.
func (s *SQLDatabase) rebind(query string) string {
	if s.driver != Postgres {
		return query
	}
	var (
		builder strings.Builder
		n       int
	)
	for _, r := range query {
		if r == '?' {
			n++
			builder.WriteString("$" + strconv.Itoa(n))
		} else {
			builder.WriteRune(r)
		}
	}
	return builder.String()
}

func (s *SQLDatabase) Init(ctx context.Context) error {
	// Create tables
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS model_chunks (
	id TEXT PRIMARY KEY,
	partition_key TEXT NOT NULL,
	document_type TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	total_chunks INTEGER NOT NULL,
	data TEXT NOT NULL,
	timestamp TEXT NOT NULL
);`); err != nil {
		return errors.Trace(classifySQL(err))
	}
	if _, err := s.db.ExecContext(ctx, `
CREATE INDEX IF NOT EXISTS model_chunks_partition ON model_chunks (partition_key, chunk_index);`); err != nil {
		return errors.Trace(classifySQL(err))
	}
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS model_descriptors (
	id TEXT PRIMARY KEY,
	partition_key TEXT NOT NULL,
	document_type TEXT NOT NULL,
	model_type TEXT NOT NULL,
	group_key TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	user_encoder_blob TEXT NOT NULL,
	product_encoder_blob TEXT NOT NULL,
	interaction_matrix_blob TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	total_chunks INTEGER NOT NULL,
	status TEXT NOT NULL,
	hyperparameters TEXT NOT NULL
);`); err != nil {
		return errors.Trace(classifySQL(err))
	}
	if _, err := s.db.ExecContext(ctx, `
CREATE INDEX IF NOT EXISTS model_descriptors_status ON model_descriptors (status, timestamp, id);`); err != nil {
		return errors.Trace(classifySQL(err))
	}
	return nil
}

// classifySQL treats lock contention, serialization failures and lost connections as
// transient.
func classifySQL(err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return storage.Transient(err)
		}
		return storage.Permanent(err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return storage.Transient(err)
		}
		return storage.Permanent(err)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return storage.Transient(err)
	}
	return storage.ClassifyNetwork(err)
}

func (s *SQLDatabase) PutChunks(ctx context.Context, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Trace(classifySQL(err))
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, s.rebind(`
INSERT INTO model_chunks (id, partition_key, document_type, chunk_index, total_chunks, data, timestamp)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	partition_key = excluded.partition_key,
	document_type = excluded.document_type,
	chunk_index = excluded.chunk_index,
	total_chunks = excluded.total_chunks,
	data = excluded.data,
	timestamp = excluded.timestamp
`))
	if err != nil {
		return errors.Trace(classifySQL(err))
	}
	defer stmt.Close()
	for _, chunk := range chunks {
		if _, err = stmt.ExecContext(ctx, chunk.ID, chunk.GroupKey, chunk.DocumentType, chunk.ChunkIndex,
			chunk.TotalChunks, chunk.Data, formatTimestamp(chunk.Timestamp)); err != nil {
			return errors.Trace(classifySQL(err))
		}
	}
	return errors.Trace(classifySQL(tx.Commit()))
}

func (s *SQLDatabase) GetChunks(ctx context.Context, groupKey string) ([]Chunk, error) {
	rs, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id, partition_key, document_type, chunk_index, total_chunks, data, timestamp FROM model_chunks
WHERE partition_key = ? AND document_type = ?
ORDER BY chunk_index
`), groupKey, DocumentTypeChunk)
	if err != nil {
		return nil, errors.Trace(classifySQL(err))
	}
	defer rs.Close()
	var chunks []Chunk
	for rs.Next() {
		var (
			chunk     Chunk
			timestamp string
		)
		if err = rs.Scan(&chunk.ID, &chunk.GroupKey, &chunk.DocumentType, &chunk.ChunkIndex,
			&chunk.TotalChunks, &chunk.Data, &timestamp); err != nil {
			return nil, errors.Trace(classifySQL(err))
		}
		if chunk.Timestamp, err = parseTimestamp(timestamp); err != nil {
			return nil, errors.Trace(err)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, errors.Trace(classifySQL(rs.Err()))
}

// PutDescriptor inserts the descriptor and deactivates the others in one transaction.
func (s *SQLDatabase) PutDescriptor(ctx context.Context, descriptor Descriptor) error {
	hyperparameters, err := json.Marshal(descriptor.Hyperparameters)
	if err != nil {
		return errors.Trace(err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Trace(classifySQL(err))
	}
	defer func() { _ = tx.Rollback() }()
	if _, err = tx.ExecContext(ctx, s.rebind(`
INSERT INTO model_descriptors (id, partition_key, document_type, model_type, group_key, timestamp,
	user_encoder_blob, product_encoder_blob, interaction_matrix_blob, size_bytes, total_chunks, status, hyperparameters)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	group_key = excluded.group_key,
	timestamp = excluded.timestamp,
	user_encoder_blob = excluded.user_encoder_blob,
	product_encoder_blob = excluded.product_encoder_blob,
	interaction_matrix_blob = excluded.interaction_matrix_blob,
	size_bytes = excluded.size_bytes,
	total_chunks = excluded.total_chunks,
	status = excluded.status,
	hyperparameters = excluded.hyperparameters
`), descriptor.ID, descriptor.PartitionKey, descriptor.DocumentType, descriptor.ModelType, descriptor.GroupKey,
		formatTimestamp(descriptor.Timestamp), descriptor.UserEncoderBlob, descriptor.ProductEncoderBlob,
		descriptor.InteractionMatrixBlob, descriptor.SizeBytes, descriptor.TotalChunks, StatusActive,
		string(hyperparameters)); err != nil {
		return errors.Trace(classifySQL(err))
	}
	if _, err = tx.ExecContext(ctx, s.rebind(`
UPDATE model_descriptors SET status = ? WHERE status = ? AND id != ?
`), StatusInactive, StatusActive, descriptor.ID); err != nil {
		return errors.Trace(classifySQL(err))
	}
	return errors.Trace(classifySQL(tx.Commit()))
}

const descriptorColumns = `id, partition_key, document_type, model_type, group_key, timestamp,
	user_encoder_blob, product_encoder_blob, interaction_matrix_blob, size_bytes, total_chunks, status, hyperparameters`

func scanDescriptor(scan func(dest ...any) error) (*Descriptor, error) {
	var (
		descriptor      Descriptor
		timestamp       string
		hyperparameters string
	)
	if err := scan(&descriptor.ID, &descriptor.PartitionKey, &descriptor.DocumentType, &descriptor.ModelType,
		&descriptor.GroupKey, &timestamp, &descriptor.UserEncoderBlob, &descriptor.ProductEncoderBlob,
		&descriptor.InteractionMatrixBlob, &descriptor.SizeBytes, &descriptor.TotalChunks, &descriptor.Status,
		&hyperparameters); err != nil {
		return nil, err
	}
	var err error
	if descriptor.Timestamp, err = parseTimestamp(timestamp); err != nil {
		return nil, errors.Trace(err)
	}
	if err = json.Unmarshal([]byte(hyperparameters), &descriptor.Hyperparameters); err != nil {
		return nil, errors.Trace(err)
	}
	return &descriptor, nil
}

func (s *SQLDatabase) LatestDescriptor(ctx context.Context) (*Descriptor, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+descriptorColumns+` FROM model_descriptors
WHERE status = ? AND document_type = ?
ORDER BY timestamp DESC, id DESC LIMIT 1
`), StatusActive, DocumentTypeDescriptor)
	descriptor, err := scanDescriptor(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFoundf("active descriptor")
		}
		return nil, errors.Trace(classifySQL(err))
	}
	return descriptor, nil
}

func (s *SQLDatabase) ListDescriptors(ctx context.Context, n int) ([]Descriptor, error) {
	rs, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+descriptorColumns+` FROM model_descriptors
WHERE document_type = ?
ORDER BY timestamp DESC, id DESC LIMIT ?
`), DocumentTypeDescriptor, n)
	if err != nil {
		return nil, errors.Trace(classifySQL(err))
	}
	defer rs.Close()
	var descriptors []Descriptor
	for rs.Next() {
		descriptor, err := scanDescriptor(rs.Scan)
		if err != nil {
			return nil, errors.Trace(classifySQL(err))
		}
		descriptors = append(descriptors, *descriptor)
	}
	return descriptors, errors.Trace(classifySQL(rs.Err()))
}
