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
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/gorse-io/alsbatch/model/cf"
	"github.com/gorse-io/alsbatch/storage"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DocumentTypeChunk      = "modelChunk"
	DocumentTypeDescriptor = "modelDescriptor"

	StatusActive   = "active"
	StatusInactive = "inactive"

	// DescriptorPartitionKey is shared by every descriptor document.
	DescriptorPartitionKey = "als_model_descriptor"
	ModelTypeALS           = "ALS"
)

// TimestampLayout is ISO-8601 UTC with a fixed width so that lexical and chronological
// orders agree.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// Chunk is one fragment of a serialized model.
type Chunk struct {
	ID           string    `json:"id"`
	GroupKey     string    `json:"partitionKey"`
	DocumentType string    `json:"documentType"`
	ChunkIndex   int       `json:"chunkIndex"`
	TotalChunks  int       `json:"totalChunks"`
	Data         string    `json:"data"`
	Timestamp    time.Time `json:"timestamp"`
}

// Descriptor points at the chunk group and blobs of one saved model.
type Descriptor struct {
	ID                    string             `json:"id"`
	PartitionKey          string             `json:"partitionKey"`
	DocumentType          string             `json:"documentType"`
	ModelType             string             `json:"modelType"`
	GroupKey              string             `json:"modelChunkPartitionKey"`
	Timestamp             time.Time          `json:"timestamp"`
	UserEncoderBlob       string             `json:"userEncoderBlob"`
	ProductEncoderBlob    string             `json:"productEncoderBlob"`
	InteractionMatrixBlob string             `json:"interactionMatrixBlob"`
	SizeBytes             int64              `json:"sizeBytes"`
	TotalChunks           int                `json:"totalChunks"`
	Status                string             `json:"status"`
	Hyperparameters       cf.Hyperparameters `json:"hyperparameters"`
}

// Newer reports whether d should win over other as the latest descriptor. Timestamps are
// compared first and ties go to the greater id.
func (d *Descriptor) Newer(other *Descriptor) bool {
	if other == nil {
		return true
	}
	if !d.Timestamp.Equal(other.Timestamp) {
		return d.Timestamp.After(other.Timestamp)
	}
	return d.ID > other.ID
}

type Database interface {
	Init(ctx context.Context) error
	Close() error
	// PutChunks inserts or replaces chunk documents by id.
	PutChunks(ctx context.Context, chunks []Chunk) error
	// GetChunks returns chunks of a group ordered by index.
	GetChunks(ctx context.Context, groupKey string) ([]Chunk, error)
	// PutDescriptor stores an active descriptor and marks every other descriptor inactive.
	PutDescriptor(ctx context.Context, descriptor Descriptor) error
	// LatestDescriptor returns the active descriptor with the greatest timestamp, or
	// errors.NotFound.
	LatestDescriptor(ctx context.Context) (*Descriptor, error)
	// ListDescriptors returns up to n descriptors, newest first.
	ListDescriptors(ctx context.Context, n int) ([]Descriptor, error)
}

// Open a connection to a document store. Collection names the container holding both chunk
// and descriptor documents.
func Open(path, database, collection string) (Database, error) {
	var err error
	if strings.HasPrefix(path, storage.MongoPrefix) || strings.HasPrefix(path, storage.MongoSrvPrefix) {
		db := new(MongoDB)
		opts := options.Client()
		opts.Monitor = otelmongo.NewMonitor()
		opts.ApplyURI(path)
		if db.client, err = mongo.Connect(context.Background(), opts); err != nil {
			return nil, errors.Trace(storage.ClassifyNetwork(err))
		}
		db.dbName = database
		db.collection = collection
		return db, nil
	} else if strings.HasPrefix(path, storage.SQLitePrefix) {
		dataSourceName := path[len(storage.SQLitePrefix):]
		// append parameters
		if dataSourceName, err = storage.AppendURLParams(dataSourceName, []lo.Tuple2[string, string]{
			{A: "_pragma", B: "busy_timeout(10000)"},
			{A: "_pragma", B: "journal_mode(wal)"},
		}); err != nil {
			return nil, errors.Trace(err)
		}
		// connect to database
		db := &SQLDatabase{driver: SQLite}
		if db.db, err = otelsql.Open("sqlite", dataSourceName,
			otelsql.WithAttributes(attribute.String("db.system", "sqlite")),
			otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}),
		); err != nil {
			return nil, errors.Trace(err)
		}
		return db, nil
	} else if strings.HasPrefix(path, storage.PostgresPrefix) || strings.HasPrefix(path, storage.PostgreSQLPrefix) {
		db := &SQLDatabase{driver: Postgres}
		if db.db, err = otelsql.Open("postgres", path,
			otelsql.WithAttributes(attribute.String("db.system", "postgresql")),
			otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}),
		); err != nil {
			return nil, errors.Trace(err)
		}
		return db, nil
	}
	return nil, errors.NotSupportedf("document store %s", path)
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return time.Time{}, errors.Annotatef(err, "invalid timestamp %q", s)
	}
	return t, nil
}
