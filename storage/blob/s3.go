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
	"net/http"
	"sort"

	"github.com/gorse-io/alsbatch/common/log"
	"github.com/gorse-io/alsbatch/config"
	"github.com/gorse-io/alsbatch/storage"
	"github.com/juju/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

type S3 struct {
	*minio.Client
	bucket string
}

func NewS3(cfg config.S3Config) (*S3, error) {
	minioClient, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &S3{
		Client: minioClient,
		bucket: cfg.Bucket,
	}, nil
}

func classifyS3(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket":
		return errors.NewNotFound(err, "")
	case resp.StatusCode != 0:
		return storage.ClassifyStatus(resp.StatusCode, err)
	}
	return storage.ClassifyNetwork(err)
}

// Open a file in S3 for reading. The object is stat'ed first so that missing objects fail here
// instead of on the first read.
func (s *S3) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	object, err := s.Client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Annotatef(classifyS3(err), "failed to open %s", name)
	}
	if _, err = object.Stat(); err != nil {
		_ = object.Close()
		return nil, errors.Annotatef(classifyS3(err), "failed to open %s", name)
	}
	return object, nil
}

func (s *S3) Put(ctx context.Context, name string, data []byte) error {
	_, err := s.Client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: http.DetectContentType(data),
	})
	if err != nil {
		log.Logger().Error("failed to upload file to S3", zap.String("file", name), zap.Error(err))
		return errors.Annotatef(classifyS3(err), "failed to upload %s", name)
	}
	return nil
}

func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	for object := range s.Client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, errors.Annotatef(classifyS3(object.Err), "failed to list %s", prefix)
		}
		names = append(names, object.Key)
	}
	sort.Strings(names)
	return names, nil
}

func (s *S3) Copy(ctx context.Context, src, dst string) error {
	_, err := s.Client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: dst},
		minio.CopySrcOptions{Bucket: s.bucket, Object: src})
	if err != nil {
		return errors.Annotatef(classifyS3(err), "failed to copy %s to %s", src, dst)
	}
	return nil
}

func (s *S3) Remove(ctx context.Context, name string) error {
	err := s.Client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{})
	if err != nil {
		log.Logger().Error("failed to remove file from S3", zap.String("file", name), zap.Error(err))
		return errors.Annotatef(classifyS3(err), "failed to remove %s", name)
	}
	return nil
}
