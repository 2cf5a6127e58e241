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
	"sort"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/gorse-io/alsbatch/common/log"
	"github.com/gorse-io/alsbatch/config"
	"github.com/gorse-io/alsbatch/storage"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

type AzureBlob struct {
	client    *azblob.Client
	container string
}

func NewAzureBlob(cfg config.AzureBlobConfig) (*AzureBlob, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.NotValidf("azure blob requires connection_string")
	}
	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to connect azure blob %s",
			log.RedactConnectionString(cfg.ConnectionString))
	}
	return &AzureBlob{
		client:    client,
		container: cfg.Container,
	}, nil
}

// classifyAzure maps azure response codes to storage error classes.
func classifyAzure(err error) error {
	if err == nil {
		return nil
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return errors.NewNotFound(err, "")
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return storage.ClassifyStatus(respErr.StatusCode, err)
	}
	return storage.ClassifyNetwork(err)
}

func (a *AzureBlob) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	resp, err := a.client.DownloadStream(ctx, a.container, name, nil)
	if err != nil {
		return nil, errors.Annotatef(classifyAzure(err), "failed to open %s", name)
	}
	return resp.Body, nil
}

func (a *AzureBlob) Put(ctx context.Context, name string, data []byte) error {
	_, err := a.client.UploadBuffer(ctx, a.container, name, data, nil)
	if err != nil {
		log.Logger().Error("failed to upload file to Azure Blob", zap.String("file", name), zap.Error(err))
		return errors.Annotatef(classifyAzure(err), "failed to upload %s", name)
	}
	return nil
}

func (a *AzureBlob) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, errors.Annotatef(classifyAzure(err), "failed to list %s", prefix)
		}
		for _, item := range resp.Segment.BlobItems {
			if item.Name != nil && *item.Name != "" {
				names = append(names, *item.Name)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// Copy downloads the source and uploads it under the new name.
func (a *AzureBlob) Copy(ctx context.Context, src, dst string) error {
	data, err := Get(ctx, a, src)
	if err != nil {
		return errors.Trace(err)
	}
	return a.Put(ctx, dst, data)
}

func (a *AzureBlob) Remove(ctx context.Context, name string) error {
	_, err := a.client.DeleteBlob(ctx, a.container, name, nil)
	if err != nil {
		log.Logger().Error("failed to remove file from Azure Blob", zap.String("file", name), zap.Error(err))
		return errors.Annotatef(classifyAzure(err), "failed to remove %s", name)
	}
	return nil
}
