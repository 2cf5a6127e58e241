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

package blob

import (
	"bytes"
	"context"
	"io"
	"path"

	"github.com/gorse-io/alsbatch/config"
	"github.com/juju/errors"
)

// Store is a flat namespace of named blobs. Names use forward slashes. Missing blobs are
// reported as errors.NotFound and backend failures are classified as storage.ErrTransient or
// storage.ErrPermanent.
type Store interface {
	// Open a blob for reading.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// Put replaces the content of a blob.
	Put(ctx context.Context, name string, data []byte) error
	// List names of blobs starting with prefix, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	// Copy a blob to another name.
	Copy(ctx context.Context, src, dst string) error
	// Remove a blob.
	Remove(ctx context.Context, name string) error
}

// NewStore creates the blob store selected by the configuration.
func NewStore(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.BlobBackend() {
	case config.BackendAzure:
		return NewAzureBlob(cfg.Storage.Azure)
	case config.BackendS3:
		return NewS3(cfg.Storage.S3)
	case config.BackendGCS:
		return NewGCS(ctx, cfg.Storage.GCS)
	case config.BackendPOSIX:
		return NewPOSIX(cfg.Storage.LocalDir), nil
	}
	return nil, errors.NotSupportedf("blob backend %s", cfg.BlobBackend())
}

// Get reads a whole blob.
func Get(ctx context.Context, store Store, name string) ([]byte, error) {
	r, err := store.Open(ctx, name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer r.Close()
	buf := bytes.NewBuffer(nil)
	if _, err = io.Copy(buf, r); err != nil {
		return nil, errors.Trace(err)
	}
	return buf.Bytes(), nil
}

// Move copies a blob then removes the source.
func Move(ctx context.Context, store Store, src, dst string) error {
	if err := store.Copy(ctx, src, dst); err != nil {
		return errors.Trace(err)
	}
	if err := store.Remove(ctx, src); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// BaseName strips the directory part of a blob name.
func BaseName(name string) string {
	return path.Base(name)
}
