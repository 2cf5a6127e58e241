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
	"os"
	"testing"
	"time"

	"github.com/gorse-io/alsbatch/model/cf"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type baseTestSuite struct {
	suite.Suite
	Database
}

var testTime = time.Date(2024, 5, 1, 12, 30, 0, 123456000, time.UTC)

func newTestDescriptor(id string, timestamp time.Time) Descriptor {
	return Descriptor{
		ID:                    id,
		PartitionKey:          DescriptorPartitionKey,
		DocumentType:          DocumentTypeDescriptor,
		ModelType:             ModelTypeALS,
		GroupKey:              "alsmodel_chunks_" + id,
		Timestamp:             timestamp,
		UserEncoderBlob:       "user_encoder.bin",
		ProductEncoderBlob:    "product_encoder.bin",
		InteractionMatrixBlob: "interaction_matrix.bin",
		SizeBytes:             2500000,
		TotalChunks:           3,
		Hyperparameters: cf.Hyperparameters{
			Factors:        10,
			Regularization: 0.01,
			Iterations:     2,
			Alpha:          15,
			RandomState:    42,
		},
	}
}

func (suite *baseTestSuite) TestChunks() {
	ctx := context.Background()
	chunks := []Chunk{
		{ID: "chunk_g1_2", GroupKey: "g1", DocumentType: DocumentTypeChunk, ChunkIndex: 2, TotalChunks: 3, Data: "Yw==", Timestamp: testTime},
		{ID: "chunk_g1_0", GroupKey: "g1", DocumentType: DocumentTypeChunk, ChunkIndex: 0, TotalChunks: 3, Data: "YQ==", Timestamp: testTime},
		{ID: "chunk_g1_1", GroupKey: "g1", DocumentType: DocumentTypeChunk, ChunkIndex: 1, TotalChunks: 3, Data: "Yg==", Timestamp: testTime},
		{ID: "chunk_g2_0", GroupKey: "g2", DocumentType: DocumentTypeChunk, ChunkIndex: 0, TotalChunks: 1, Data: "ZA==", Timestamp: testTime},
	}
	suite.NoError(suite.Database.PutChunks(ctx, chunks))
	// retried writes replace existing chunks
	suite.NoError(suite.Database.PutChunks(ctx, chunks[:2]))

	result, err := suite.Database.GetChunks(ctx, "g1")
	suite.NoError(err)
	if suite.Len(result, 3) {
		for i, chunk := range result {
			suite.Equal(i, chunk.ChunkIndex)
			suite.Equal(3, chunk.TotalChunks)
			suite.Equal("g1", chunk.GroupKey)
			suite.True(testTime.Equal(chunk.Timestamp))
		}
		suite.Equal([]string{"YQ==", "Yg==", "Yw=="}, []string{result[0].Data, result[1].Data, result[2].Data})
	}

	result, err = suite.Database.GetChunks(ctx, "missing")
	suite.NoError(err)
	suite.Empty(result)
}

func (suite *baseTestSuite) TestDescriptors() {
	ctx := context.Background()
	_, err := suite.Database.LatestDescriptor(ctx)
	suite.True(errors.Is(err, errors.NotFound), err)

	older := newTestDescriptor("desc_1", testTime)
	suite.NoError(suite.Database.PutDescriptor(ctx, older))
	latest, err := suite.Database.LatestDescriptor(ctx)
	suite.NoError(err)
	suite.Equal("desc_1", latest.ID)
	suite.Equal(StatusActive, latest.Status)

	newer := newTestDescriptor("desc_2", testTime.Add(time.Second))
	suite.NoError(suite.Database.PutDescriptor(ctx, newer))
	latest, err = suite.Database.LatestDescriptor(ctx)
	suite.NoError(err)
	suite.Equal("desc_2", latest.ID)
	suite.Equal("alsmodel_chunks_desc_2", latest.GroupKey)
	suite.Equal(int64(2500000), latest.SizeBytes)
	suite.Equal(3, latest.TotalChunks)
	suite.Equal(newer.Hyperparameters, latest.Hyperparameters)
	suite.True(newer.Timestamp.Equal(latest.Timestamp))

	// the previous descriptor is kept as history
	descriptors, err := suite.Database.ListDescriptors(ctx, 10)
	suite.NoError(err)
	if suite.Len(descriptors, 2) {
		suite.Equal("desc_2", descriptors[0].ID)
		suite.Equal(StatusActive, descriptors[0].Status)
		suite.Equal("desc_1", descriptors[1].ID)
		suite.Equal(StatusInactive, descriptors[1].Status)
	}
	descriptors, err = suite.Database.ListDescriptors(ctx, 1)
	suite.NoError(err)
	suite.Len(descriptors, 1)

	// retried writes are idempotent
	suite.NoError(suite.Database.PutDescriptor(ctx, newer))
	latest, err = suite.Database.LatestDescriptor(ctx)
	suite.NoError(err)
	suite.Equal("desc_2", latest.ID)
}

func (suite *baseTestSuite) TestDescriptorSameTimestamp() {
	ctx := context.Background()
	suite.NoError(suite.Database.PutDescriptor(ctx, newTestDescriptor("desc_b", testTime)))
	suite.NoError(suite.Database.PutDescriptor(ctx, newTestDescriptor("desc_a", testTime)))
	// the last write is the only active descriptor
	latest, err := suite.Database.LatestDescriptor(ctx)
	suite.NoError(err)
	suite.Equal("desc_a", latest.ID)
}

func TestDescriptorNewer(t *testing.T) {
	a := newTestDescriptor("desc_a", testTime)
	b := newTestDescriptor("desc_b", testTime)
	c := newTestDescriptor("desc_0", testTime.Add(time.Microsecond))
	assert.True(t, b.Newer(&a))
	assert.False(t, a.Newer(&b))
	assert.True(t, c.Newer(&b))
	assert.True(t, a.Newer(nil))
}

func TestOpenUnknown(t *testing.T) {
	_, err := Open("ftp://localhost", "db", "models")
	assert.True(t, errors.Is(err, errors.NotSupported))
}

type SQLiteTestSuite struct {
	baseTestSuite
}

func (suite *SQLiteTestSuite) SetupTest() {
	var err error
	// create database
	path := "sqlite://" + suite.T().TempDir() + "/documents.db"
	suite.Database, err = Open(path, "RecommendationDB", "Models")
	suite.NoError(err)
	// create schema
	err = suite.Database.Init(context.Background())
	suite.NoError(err)
}

func (suite *SQLiteTestSuite) TearDownTest() {
	suite.NoError(suite.Database.Close())
}

// Descriptors written by jobs that never deactivated old ones may share a timestamp.
func (suite *SQLiteTestSuite) TestLatestDescriptorTie() {
	ctx := context.Background()
	db := suite.Database.(*SQLDatabase)
	for _, id := range []string{"desc_b", "desc_c", "desc_a"} {
		_, err := db.db.ExecContext(ctx, `INSERT INTO model_descriptors (`+descriptorColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, id, DescriptorPartitionKey, DocumentTypeDescriptor, ModelTypeALS,
			"group_"+id, formatTimestamp(testTime), "u", "p", "m", 1, 1, StatusActive, "{}")
		suite.NoError(err)
	}
	_, err := db.db.ExecContext(ctx, `INSERT INTO model_descriptors (`+descriptorColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, "desc_z", DescriptorPartitionKey, DocumentTypeDescriptor, ModelTypeALS,
		"group_z", formatTimestamp(testTime.Add(-time.Second)), "u", "p", "m", 1, 1, StatusActive, "{}")
	suite.NoError(err)
	latest, err := suite.Database.LatestDescriptor(ctx)
	suite.NoError(err)
	suite.Equal("desc_c", latest.ID)
}

func TestSQLite(t *testing.T) {
	suite.Run(t, new(SQLiteTestSuite))
}

type PostgresTestSuite struct {
	baseTestSuite
}

func (suite *PostgresTestSuite) SetupTest() {
	uri := os.Getenv("POSTGRES_URI")
	if uri == "" {
		suite.T().Skip("POSTGRES_URI is not set, skipping PostgreSQL tests")
	}
	var err error
	suite.Database, err = Open(uri, "RecommendationDB", "Models")
	suite.Require().NoError(err)
	db := suite.Database.(*SQLDatabase)
	_, err = db.db.Exec("DROP TABLE IF EXISTS model_chunks, model_descriptors")
	suite.Require().NoError(err)
	suite.Require().NoError(suite.Database.Init(context.Background()))
}

func (suite *PostgresTestSuite) TearDownTest() {
	if suite.Database != nil {
		suite.NoError(suite.Database.Close())
	}
}

func TestPostgres(t *testing.T) {
	suite.Run(t, new(PostgresTestSuite))
}

func TestRebind(t *testing.T) {
	sqlite := &SQLDatabase{driver: SQLite}
	assert.Equal(t, "a = ? AND b = ?", sqlite.rebind("a = ? AND b = ?"))
	postgres := &SQLDatabase{driver: Postgres}
	assert.Equal(t, "a = $1 AND b = $2", postgres.rebind("a = ? AND b = ?"))
}

type MongoTestSuite struct {
	baseTestSuite
}

func (suite *MongoTestSuite) SetupTest() {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		suite.T().Skip("MONGO_URI is not set, skipping MongoDB tests")
	}
	var err error
	suite.Database, err = Open(uri, "alsbatch_test", "Models")
	suite.Require().NoError(err)
	// drop collection
	db := suite.Database.(*MongoDB)
	suite.Require().NoError(db.models().Drop(context.Background()))
	suite.Require().NoError(suite.Database.Init(context.Background()))
}

func (suite *MongoTestSuite) TearDownTest() {
	if suite.Database != nil {
		suite.NoError(suite.Database.Close())
	}
}

func TestMongo(t *testing.T) {
	suite.Run(t, new(MongoTestSuite))
}
