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
	"context"
	"io"
	"os"
	"sort"

	gstorage "cloud.google.com/go/storage"
	"github.com/gorse-io/alsbatch/config"
	"github.com/gorse-io/alsbatch/storage"
	"github.com/juju/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type GCS struct {
	client *gstorage.Client
	bucket string
}

func NewGCS(ctx context.Context, cfg config.GCSConfig) (*GCS, error) {
	var opts []option.ClientOption
	if endpoint := os.Getenv("GCS_EMULATOR_ENDPOINT"); endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
		opts = append(opts, option.WithoutAuthentication())
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gstorage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewGCSWithClient(client, cfg.Bucket), nil
}

// NewGCSWithClient wraps an existing client.
func NewGCSWithClient(client *gstorage.Client, bucket string) *GCS {
	return &GCS{client: client, bucket: bucket}
}

func classifyGCS(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gstorage.ErrObjectNotExist) || errors.Is(err, gstorage.ErrBucketNotExist) {
		return errors.NewNotFound(err, "")
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return storage.ClassifyStatus(apiErr.Code, err)
	}
	return storage.ClassifyNetwork(err)
}

func (g *GCS) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	r, err := g.client.Bucket(g.bucket).Object(name).NewReader(ctx)
	if err != nil {
		return nil, errors.Annotatef(classifyGCS(err), "failed to open %s", name)
	}
	return r, nil
}

func (g *GCS) Put(ctx context.Context, name string, data []byte) error {
	w := g.client.Bucket(g.bucket).Object(name).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return errors.Annotatef(classifyGCS(err), "failed to upload %s", name)
	}
	if err := w.Close(); err != nil {
		return errors.Annotatef(classifyGCS(err), "failed to upload %s", name)
	}
	return nil
}

func (g *GCS) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	it := g.client.Bucket(g.bucket).Objects(ctx, &gstorage.Query{
		Prefix: prefix,
	})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Annotatef(classifyGCS(err), "failed to list %s", prefix)
		}
		names = append(names, attrs.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (g *GCS) Copy(ctx context.Context, src, dst string) error {
	bucket := g.client.Bucket(g.bucket)
	if _, err := bucket.Object(dst).CopierFrom(bucket.Object(src)).Run(ctx); err != nil {
		return errors.Annotatef(classifyGCS(err), "failed to copy %s to %s", src, dst)
	}
	return nil
}

func (g *GCS) Remove(ctx context.Context, name string) error {
	if err := g.client.Bucket(g.bucket).Object(name).Delete(ctx); err != nil {
		return errors.Annotatef(classifyGCS(err), "failed to remove %s", name)
	}
	return nil
}
