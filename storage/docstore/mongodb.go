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

	"github.com/gorse-io/alsbatch/model/cf"
	"github.com/gorse-io/alsbatch/storage"
	"github.com/juju/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDB keeps chunks and descriptors in one collection, the layout of a Cosmos DB container.
type MongoDB struct {
	client     *mongo.Client
	dbName     string
	collection string
}

type chunkDocument struct {
	ID           string `bson:"_id"`
	GroupKey     string `bson:"partitionKey"`
	DocumentType string `bson:"documentType"`
	ChunkIndex   int    `bson:"chunkIndex"`
	TotalChunks  int    `bson:"totalChunks"`
	Data         string `bson:"data"`
	Timestamp    string `bson:"timestamp"`
}

type descriptorDocument struct {
	ID                    string             `bson:"_id"`
	PartitionKey          string             `bson:"partitionKey"`
	DocumentType          string             `bson:"documentType"`
	ModelType             string             `bson:"modelType"`
	GroupKey              string             `bson:"modelChunkPartitionKey"`
	Timestamp             string             `bson:"timestamp"`
	UserEncoderBlob       string             `bson:"userEncoderBlob"`
	ProductEncoderBlob    string             `bson:"productEncoderBlob"`
	InteractionMatrixBlob string             `bson:"interactionMatrixBlob"`
	SizeBytes             int64              `bson:"sizeBytes"`
	TotalChunks           int                `bson:"totalChunks"`
	Status                string             `bson:"status"`
	Hyperparameters       cf.Hyperparameters `bson:"hyperparameters"`
}

func (d *descriptorDocument) descriptor() (*Descriptor, error) {
	timestamp, err := parseTimestamp(d.Timestamp)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Descriptor{
		ID:                    d.ID,
		PartitionKey:          d.PartitionKey,
		DocumentType:          d.DocumentType,
		ModelType:             d.ModelType,
		GroupKey:              d.GroupKey,
		Timestamp:             timestamp,
		UserEncoderBlob:       d.UserEncoderBlob,
		ProductEncoderBlob:    d.ProductEncoderBlob,
		InteractionMatrixBlob: d.InteractionMatrixBlob,
		SizeBytes:             d.SizeBytes,
		TotalChunks:           d.TotalChunks,
		Status:                d.Status,
		Hyperparameters:       d.Hyperparameters,
	}, nil
}

func classifyMongo(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return errors.NewNotFound(err, "")
	case mongo.IsTimeout(err) || mongo.IsNetworkError(err):
		return storage.Transient(err)
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.HasErrorLabel("RetryableWriteError") {
		return storage.Transient(err)
	}
	// Cosmos DB reports throttling as error code 16500
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) && serverErr.HasErrorCode(16500) {
		return storage.Transient(err)
	}
	return storage.ClassifyNetwork(err)
}

func (db *MongoDB) models() *mongo.Collection {
	return db.client.Database(db.dbName).Collection(db.collection)
}

func (db *MongoDB) Init(ctx context.Context) error {
	d := db.client.Database(db.dbName)
	// list collections
	collections, err := d.ListCollectionNames(ctx, bson.M{"name": db.collection})
	if err != nil {
		return errors.Trace(classifyMongo(err))
	}
	// create collections
	if len(collections) == 0 {
		if err = d.CreateCollection(ctx, db.collection); err != nil {
			return errors.Trace(classifyMongo(err))
		}
	}
	// create index
	_, err = db.models().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "documentType", Value: 1}, {Key: "partitionKey", Value: 1}, {Key: "chunkIndex", Value: 1}}},
		{Keys: bson.D{{Key: "documentType", Value: 1}, {Key: "status", Value: 1}, {Key: "timestamp", Value: -1}}},
	})
	if err != nil {
		return errors.Trace(classifyMongo(err))
	}
	return nil
}

func (db *MongoDB) Close() error {
	return db.client.Disconnect(context.Background())
}

func (db *MongoDB) PutChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	var models []mongo.WriteModel
	for _, chunk := range chunks {
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": chunk.ID}).
			SetReplacement(chunkDocument{
				ID:           chunk.ID,
				GroupKey:     chunk.GroupKey,
				DocumentType: chunk.DocumentType,
				ChunkIndex:   chunk.ChunkIndex,
				TotalChunks:  chunk.TotalChunks,
				Data:         chunk.Data,
				Timestamp:    formatTimestamp(chunk.Timestamp),
			}).
			SetUpsert(true))
	}
	_, err := db.models().BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	return errors.Trace(classifyMongo(err))
}

func (db *MongoDB) GetChunks(ctx context.Context, groupKey string) ([]Chunk, error) {
	opt := options.Find().SetSort(bson.D{{Key: "chunkIndex", Value: 1}})
	r, err := db.models().Find(ctx, bson.M{"documentType": DocumentTypeChunk, "partitionKey": groupKey}, opt)
	if err != nil {
		return nil, errors.Trace(classifyMongo(err))
	}
	defer r.Close(ctx)
	var chunks []Chunk
	for r.Next(ctx) {
		var doc chunkDocument
		if err = r.Decode(&doc); err != nil {
			return nil, errors.Trace(err)
		}
		timestamp, err := parseTimestamp(doc.Timestamp)
		if err != nil {
			return nil, errors.Trace(err)
		}
		chunks = append(chunks, Chunk{
			ID:           doc.ID,
			GroupKey:     doc.GroupKey,
			DocumentType: doc.DocumentType,
			ChunkIndex:   doc.ChunkIndex,
			TotalChunks:  doc.TotalChunks,
			Data:         doc.Data,
			Timestamp:    timestamp,
		})
	}
	return chunks, errors.Trace(classifyMongo(r.Err()))
}

// PutDescriptor upserts the descriptor then deactivates the others. A reader between the two
// writes sees two active descriptors and picks the new one by timestamp.
func (db *MongoDB) PutDescriptor(ctx context.Context, descriptor Descriptor) error {
	doc := descriptorDocument{
		ID:                    descriptor.ID,
		PartitionKey:          descriptor.PartitionKey,
		DocumentType:          descriptor.DocumentType,
		ModelType:             descriptor.ModelType,
		GroupKey:              descriptor.GroupKey,
		Timestamp:             formatTimestamp(descriptor.Timestamp),
		UserEncoderBlob:       descriptor.UserEncoderBlob,
		ProductEncoderBlob:    descriptor.ProductEncoderBlob,
		InteractionMatrixBlob: descriptor.InteractionMatrixBlob,
		SizeBytes:             descriptor.SizeBytes,
		TotalChunks:           descriptor.TotalChunks,
		Status:                StatusActive,
		Hyperparameters:       descriptor.Hyperparameters,
	}
	if _, err := db.models().ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true)); err != nil {
		return errors.Trace(classifyMongo(err))
	}
	if _, err := db.models().UpdateMany(ctx, bson.M{
		"documentType": DocumentTypeDescriptor,
		"status":       StatusActive,
		"_id":          bson.M{"$ne": doc.ID},
	}, bson.M{"$set": bson.M{"status": StatusInactive}}); err != nil {
		return errors.Trace(classifyMongo(err))
	}
	return nil
}

func (db *MongoDB) LatestDescriptor(ctx context.Context) (*Descriptor, error) {
	opt := options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}})
	var doc descriptorDocument
	err := db.models().FindOne(ctx, bson.M{"documentType": DocumentTypeDescriptor, "status": StatusActive}, opt).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errors.NotFoundf("active descriptor")
		}
		return nil, errors.Trace(classifyMongo(err))
	}
	return doc.descriptor()
}

func (db *MongoDB) ListDescriptors(ctx context.Context, n int) ([]Descriptor, error) {
	opt := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).SetLimit(int64(n))
	r, err := db.models().Find(ctx, bson.M{"documentType": DocumentTypeDescriptor}, opt)
	if err != nil {
		return nil, errors.Trace(classifyMongo(err))
	}
	defer r.Close(ctx)
	var descriptors []Descriptor
	for r.Next(ctx) {
		var doc descriptorDocument
		if err = r.Decode(&doc); err != nil {
			return nil, errors.Trace(err)
		}
		descriptor, err := doc.descriptor()
		if err != nil {
			return nil, errors.Trace(err)
		}
		descriptors = append(descriptors, *descriptor)
	}
	return descriptors, errors.Trace(classifyMongo(r.Err()))
}
