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
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorse-io/alsbatch/common/log"
	"github.com/gorse-io/alsbatch/common/retry"
	"github.com/gorse-io/alsbatch/common/sparse"
	"github.com/gorse-io/alsbatch/config"
	"github.com/gorse-io/alsbatch/dataset"
	"github.com/gorse-io/alsbatch/model/cf"
	"github.com/gorse-io/alsbatch/storage"
	"github.com/gorse-io/alsbatch/storage/blob"
	"github.com/gorse-io/alsbatch/storage/docstore"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const keyTimeLayout = "20060102150405"

// NewGroupKey names the chunk group of a model saved at t.
func NewGroupKey(t time.Time) string {
	return fmt.Sprintf("alsmodel_chunks_%s_%s", t.UTC().Format(keyTimeLayout), uuid.NewString()[:8])
}

// NewDescriptorID names the descriptor of a model saved at t.
func NewDescriptorID(t time.Time) string {
	return fmt.Sprintf("desc_%s_%s", t.UTC().Format(keyTimeLayout), uuid.NewString()[:8])
}

func ChunkID(groupKey string, index int) string {
	return fmt.Sprintf("chunk_%s_%d", groupKey, index)
}

// Gateway persists artifacts: encoders and the interaction matrix as blobs, the model as
// chunk documents plus a descriptor. Every storage call goes through one retry policy.
type Gateway struct {
	blobs        blob.Store
	docs         docstore.Database
	policy       *retry.Policy
	maxChunkSize int
	now          func() time.Time
}

func NewGateway(blobs blob.Store, docs docstore.Database, policy *retry.Policy, maxChunkSize int) *Gateway {
	return &Gateway{
		blobs:        blobs,
		docs:         docs,
		policy:       policy,
		maxChunkSize: maxChunkSize,
		now:          time.Now,
	}
}

// Open connects the stores named by the configuration and prepares the document store.
func Open(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	blobs, err := blob.NewStore(ctx, cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	docs, err := docstore.Open(cfg.DocumentStoreURI(), cfg.Documents.Database, cfg.Documents.Collection)
	if err != nil {
		return nil, errors.Trace(err)
	}
	policy := cfg.Retry.NewPolicy(storage.IsTransient)
	if err = retry.Run(ctx, policy, "init documents", docs.Init); err != nil {
		_ = docs.Close()
		return nil, errors.Trace(err)
	}
	log.Logger().Info("open artifact store",
		zap.String("blob_backend", cfg.BlobBackend()),
		zap.String("documents", log.RedactConnectionString(cfg.DocumentStoreURI())))
	return NewGateway(blobs, docs, policy, cfg.Documents.MaxChunkSize), nil
}

func (g *Gateway) Close() error {
	return g.docs.Close()
}

func (g *Gateway) Blobs() blob.Store {
	return g.blobs
}

// Now returns the current time truncated to the precision of stored timestamps.
func (g *Gateway) Now() time.Time {
	return g.now().UTC().Truncate(time.Microsecond)
}

func (g *Gateway) PutBlob(ctx context.Context, name string, data []byte) error {
	return retry.Run(ctx, g.policy, "put blob "+name, func(ctx context.Context) error {
		return g.blobs.Put(ctx, name, data)
	})
}

// GetBlob returns errors.NotFound for missing blobs.
func (g *Gateway) GetBlob(ctx context.Context, name string) ([]byte, error) {
	return retry.Do(ctx, g.policy, "get blob "+name, func(ctx context.Context) ([]byte, error) {
		return blob.Get(ctx, g.blobs, name)
	})
}

func (g *Gateway) ListBlobs(ctx context.Context, prefix string) ([]string, error) {
	return retry.Do(ctx, g.policy, "list blobs "+prefix, func(ctx context.Context) ([]string, error) {
		return g.blobs.List(ctx, prefix)
	})
}

// MoveBlob copies src to dst then removes src. A source that vanished during a retried
// removal counts as removed.
func (g *Gateway) MoveBlob(ctx context.Context, src, dst string) error {
	if err := retry.Run(ctx, g.policy, "copy blob "+src, func(ctx context.Context) error {
		return g.blobs.Copy(ctx, src, dst)
	}); err != nil {
		return errors.Trace(err)
	}
	attempt := 0
	return retry.Run(ctx, g.policy, "remove blob "+src, func(ctx context.Context) error {
		attempt++
		err := g.blobs.Remove(ctx, src)
		if attempt > 1 && errors.Is(err, errors.NotFound) {
			return nil
		}
		return err
	})
}

func (g *Gateway) PutEncoder(ctx context.Context, name string, enc dataset.Encoder) error {
	buf := bytes.NewBuffer(nil)
	if err := dataset.MarshalEncoder(buf, enc); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(g.PutBlob(ctx, name, buf.Bytes()))
}

func (g *Gateway) GetEncoder(ctx context.Context, name string) (dataset.Encoder, error) {
	data, err := g.GetBlob(ctx, name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	enc, err := dataset.UnmarshalEncoder(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Annotatef(err, "failed to decode encoder %s", name)
	}
	return enc, nil
}

func (g *Gateway) PutMatrix(ctx context.Context, name string, m *sparse.Matrix[float64]) error {
	buf := bytes.NewBuffer(nil)
	if err := m.Marshal(buf); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(g.PutBlob(ctx, name, buf.Bytes()))
}

func (g *Gateway) GetMatrix(ctx context.Context, name string) (*sparse.Matrix[float64], error) {
	data, err := g.GetBlob(ctx, name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	m, err := sparse.Unmarshal[float64](bytes.NewReader(data))
	if err != nil {
		return nil, errors.Annotatef(err, "failed to decode matrix %s", name)
	}
	return m, nil
}

// PutChunks writes every piece of a group in one bulk insert and reads the group back. The
// write fails unless all pieces are stored.
func (g *Gateway) PutChunks(ctx context.Context, groupKey string, pieces []Piece, timestamp time.Time) error {
	chunks := make([]docstore.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = docstore.Chunk{
			ID:           ChunkID(groupKey, piece.Index),
			GroupKey:     groupKey,
			DocumentType: docstore.DocumentTypeChunk,
			ChunkIndex:   piece.Index,
			TotalChunks:  piece.Total,
			Data:         piece.Data,
			Timestamp:    timestamp,
		}
	}
	if err := retry.Run(ctx, g.policy, "put chunks "+groupKey, func(ctx context.Context) error {
		return g.docs.PutChunks(ctx, chunks)
	}); err != nil {
		return errors.Trace(err)
	}
	// verify
	stored, err := g.GetChunks(ctx, groupKey)
	if err != nil {
		return errors.Trace(err)
	}
	if len(stored) != len(chunks) {
		return incomplete("group %s stored %d of %d chunks", groupKey, len(stored), len(chunks))
	}
	for i, chunk := range stored {
		if chunk.ChunkIndex != i || chunk.TotalChunks != len(chunks) || chunk.Data != chunks[i].Data {
			return corrupt("group %s chunk %d differs after write", groupKey, i)
		}
	}
	return nil
}

// GetChunks returns the chunks of a group ordered by index.
func (g *Gateway) GetChunks(ctx context.Context, groupKey string) ([]docstore.Chunk, error) {
	return retry.Do(ctx, g.policy, "get chunks "+groupKey, func(ctx context.Context) ([]docstore.Chunk, error) {
		return g.docs.GetChunks(ctx, groupKey)
	})
}

// PutDescriptor stores an active descriptor and deactivates the previous ones.
func (g *Gateway) PutDescriptor(ctx context.Context, descriptor docstore.Descriptor) error {
	return retry.Run(ctx, g.policy, "put descriptor "+descriptor.ID, func(ctx context.Context) error {
		return g.docs.PutDescriptor(ctx, descriptor)
	})
}

// LatestDescriptor returns errors.NotFound when no model has been saved.
func (g *Gateway) LatestDescriptor(ctx context.Context) (*docstore.Descriptor, error) {
	return retry.Do(ctx, g.policy, "latest descriptor", func(ctx context.Context) (*docstore.Descriptor, error) {
		return g.docs.LatestDescriptor(ctx)
	})
}

func (g *Gateway) ListDescriptors(ctx context.Context, n int) ([]docstore.Descriptor, error) {
	return retry.Do(ctx, g.policy, "list descriptors", func(ctx context.Context) ([]docstore.Descriptor, error) {
		return g.docs.ListDescriptors(ctx, n)
	})
}

// SnapshotName derives the blob name a snapshot stores an artifact under, inserting the
// chunk group key before the extension.
func SnapshotName(name, groupKey string) string {
	ext := path.Ext(name)
	return strings.TrimSuffix(name, ext) + "_" + groupKey + ext
}

// SnapshotNames returns the blob names of a snapshot for the configured names.
func SnapshotNames(names config.ArtifactsConfig, groupKey string) config.ArtifactsConfig {
	return config.ArtifactsConfig{
		UserEncoder:       SnapshotName(names.UserEncoder, groupKey),
		ProductEncoder:    SnapshotName(names.ProductEncoder, groupKey),
		InteractionMatrix: SnapshotName(names.InteractionMatrix, groupKey),
	}
}

// BlobNames returns the blobs a descriptor was saved with. A nil descriptor, or one written
// without blob references, falls back to the configured names.
func BlobNames(descriptor *docstore.Descriptor, defaults config.ArtifactsConfig) config.ArtifactsConfig {
	if descriptor == nil {
		return defaults
	}
	return config.ArtifactsConfig{
		UserEncoder:       lo.CoalesceOrEmpty(descriptor.UserEncoderBlob, defaults.UserEncoder),
		ProductEncoder:    lo.CoalesceOrEmpty(descriptor.ProductEncoderBlob, defaults.ProductEncoder),
		InteractionMatrix: lo.CoalesceOrEmpty(descriptor.InteractionMatrixBlob, defaults.InteractionMatrix),
	}
}

// SaveArtifacts writes a complete snapshot: encoders and matrix under snapshot names, the
// model chunks, then the descriptor. Blobs referenced by earlier descriptors are never
// overwritten, so the snapshot becomes visible only once its descriptor is stored.
func (g *Gateway) SaveArtifacts(ctx context.Context, users, products dataset.Encoder, interactions *sparse.Matrix[float64],
	m *cf.ALS, names config.ArtifactsConfig) (*docstore.Descriptor, error) {
	timestamp := g.Now()
	groupKey := NewGroupKey(timestamp)
	snapshot := SnapshotNames(names, groupKey)
	if err := g.PutEncoder(ctx, snapshot.UserEncoder, users); err != nil {
		return nil, errors.Trace(err)
	}
	if err := g.PutEncoder(ctx, snapshot.ProductEncoder, products); err != nil {
		return nil, errors.Trace(err)
	}
	if err := g.PutMatrix(ctx, snapshot.InteractionMatrix, interactions); err != nil {
		return nil, errors.Trace(err)
	}
	return g.saveModel(ctx, m, groupKey, timestamp, snapshot)
}

// SaveModel serializes and chunks the model, writes the chunks, then the descriptor pointing at
// them and at the named blobs.
func (g *Gateway) SaveModel(ctx context.Context, m *cf.ALS, names config.ArtifactsConfig) (*docstore.Descriptor, error) {
	timestamp := g.Now()
	return g.saveModel(ctx, m, NewGroupKey(timestamp), timestamp, names)
}

func (g *Gateway) saveModel(ctx context.Context, m *cf.ALS, groupKey string, timestamp time.Time, names config.ArtifactsConfig) (*docstore.Descriptor, error) {
	buf := bytes.NewBuffer(nil)
	if err := cf.MarshalModel(buf, m); err != nil {
		return nil, errors.Trace(err)
	}
	pieces, err := Chunk(buf.Bytes(), g.maxChunkSize)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err = g.PutChunks(ctx, groupKey, pieces, timestamp); err != nil {
		return nil, errors.Trace(err)
	}
	descriptor := docstore.Descriptor{
		ID:                    NewDescriptorID(timestamp),
		PartitionKey:          docstore.DescriptorPartitionKey,
		DocumentType:          docstore.DocumentTypeDescriptor,
		ModelType:             docstore.ModelTypeALS,
		GroupKey:              groupKey,
		Timestamp:             timestamp,
		UserEncoderBlob:       names.UserEncoder,
		ProductEncoderBlob:    names.ProductEncoder,
		InteractionMatrixBlob: names.InteractionMatrix,
		SizeBytes:             int64(buf.Len()),
		TotalChunks:           len(pieces),
		Status:                docstore.StatusActive,
		Hyperparameters:       m.Hyperparams(),
	}
	if err = g.PutDescriptor(ctx, descriptor); err != nil {
		return nil, errors.Trace(err)
	}
	log.Logger().Info("save model",
		zap.String("descriptor", descriptor.ID),
		zap.String("group_key", groupKey),
		zap.Int64("size_bytes", descriptor.SizeBytes),
		zap.Int("chunks", descriptor.TotalChunks))
	return &descriptor, nil
}

// LoadModel reassembles the model a descriptor points at. Missing or corrupt chunks are
// reported as ErrModelIntegrity.
func (g *Gateway) LoadModel(ctx context.Context, descriptor *docstore.Descriptor) (*cf.ALS, error) {
	chunks, err := g.GetChunks(ctx, descriptor.GroupKey)
	if err != nil {
		return nil, errors.Trace(err)
	}
	pieces := make([]Piece, len(chunks))
	for i, chunk := range chunks {
		pieces[i] = Piece{Index: chunk.ChunkIndex, Total: chunk.TotalChunks, Data: chunk.Data}
	}
	data, err := Reassemble(pieces, descriptor.TotalChunks, descriptor.SizeBytes)
	if err != nil {
		return nil, errors.Annotatef(err, "descriptor %s", descriptor.ID)
	}
	m, err := cf.UnmarshalModel(bytes.NewReader(data))
	if err != nil {
		return nil, corrupt("descriptor %s: %v", descriptor.ID, err)
	}
	return m, nil
}
