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
	"errors"
	"os"
	"path"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/fsouza/fake-gcs-server/fakestorage"
	"github.com/gorse-io/alsbatch/config"
	jujuerrors "github.com/juju/errors"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type baseTestSuite struct {
	suite.Suite
	Store Store
}

func (suite *baseTestSuite) TestPutGet() {
	ctx := context.Background()
	err := suite.Store.Put(ctx, "artifacts/user_encoder.bin", []byte("hello"))
	suite.NoError(err)
	data, err := Get(ctx, suite.Store, "artifacts/user_encoder.bin")
	suite.NoError(err)
	suite.Equal("hello", string(data))

	// overwrite
	err = suite.Store.Put(ctx, "artifacts/user_encoder.bin", []byte("hello world"))
	suite.NoError(err)
	data, err = Get(ctx, suite.Store, "artifacts/user_encoder.bin")
	suite.NoError(err)
	suite.Equal("hello world", string(data))
}

func (suite *baseTestSuite) TestNotFound() {
	_, err := Get(context.Background(), suite.Store, "artifacts/missing.bin")
	suite.True(jujuerrors.Is(err, jujuerrors.NotFound), err)
}

func (suite *baseTestSuite) TestList() {
	ctx := context.Background()
	suite.NoError(suite.Store.Put(ctx, "list/new/2.csv", []byte("b")))
	suite.NoError(suite.Store.Put(ctx, "list/new/1.csv", []byte("a")))
	suite.NoError(suite.Store.Put(ctx, "list/other.bin", []byte("c")))
	names, err := suite.Store.List(ctx, "list/new/")
	suite.NoError(err)
	suite.Equal([]string{"list/new/1.csv", "list/new/2.csv"}, names)
	names, err = suite.Store.List(ctx, "list/missing/")
	suite.NoError(err)
	suite.Empty(names)
}

func (suite *baseTestSuite) TestMove() {
	ctx := context.Background()
	suite.NoError(suite.Store.Put(ctx, "move/new/1.csv", []byte("user_id,product_id,quantity\n")))
	err := Move(ctx, suite.Store, "move/new/1.csv", "move/archived/20240101_000000/1.csv")
	suite.NoError(err)
	_, err = Get(ctx, suite.Store, "move/new/1.csv")
	suite.True(jujuerrors.Is(err, jujuerrors.NotFound), err)
	data, err := Get(ctx, suite.Store, "move/archived/20240101_000000/1.csv")
	suite.NoError(err)
	suite.Equal("user_id,product_id,quantity\n", string(data))
	suite.Equal("1.csv", BaseName("move/new/1.csv"))
}

type POSIXTestSuite struct {
	baseTestSuite
}

func (suite *POSIXTestSuite) SetupTest() {
	suite.Store = NewPOSIX(path.Join(suite.T().TempDir(), "blob"))
}

func TestPOSIX(t *testing.T) {
	suite.Run(t, new(POSIXTestSuite))
}

type GCSTestSuite struct {
	baseTestSuite
	server *fakestorage.Server
}

func (suite *GCSTestSuite) SetupTest() {
	var err error
	suite.server, err = fakestorage.NewServerWithOptions(fakestorage.Options{NoListener: true})
	suite.Require().NoError(err)
	suite.server.CreateBucketWithOpts(fakestorage.CreateBucketOpts{Name: "alsbatch-test"})
	suite.Store = NewGCSWithClient(suite.server.Client(), "alsbatch-test")
}

func (suite *GCSTestSuite) TearDownTest() {
	suite.server.Stop()
}

func TestGCS(t *testing.T) {
	suite.Run(t, new(GCSTestSuite))
}

type S3TestSuite struct {
	baseTestSuite
}

func (suite *S3TestSuite) SetupSuite() {
	endpoint := os.Getenv("S3_ENDPOINT")
	accessKeyID := os.Getenv("S3_ACCESS_KEY_ID")
	secretAccessKey := os.Getenv("S3_SECRET_ACCESS_KEY")
	if endpoint == "" || accessKeyID == "" || secretAccessKey == "" {
		suite.T().Skip("S3 environment variables are not set, skipping S3 tests")
	}
	client, err := NewS3(config.S3Config{
		Endpoint:        endpoint,
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		Bucket:          "alsbatch-test",
	})
	suite.Require().NoError(err)
	exists, err := client.Client.BucketExists(context.Background(), client.bucket)
	suite.Require().NoError(err)
	if !exists {
		err = client.Client.MakeBucket(context.Background(), client.bucket, minio.MakeBucketOptions{})
		suite.Require().NoError(err)
	}
	suite.Store = client
}

func TestS3(t *testing.T) {
	suite.Run(t, new(S3TestSuite))
}

type AzureTestSuite struct {
	baseTestSuite
}

func (suite *AzureTestSuite) SetupSuite() {
	connectionString := os.Getenv("AZURE_STORAGE_CONNECTION_STRING")
	if connectionString == "" {
		suite.T().Skip("AZURE_STORAGE_CONNECTION_STRING is not set, skipping Azure Blob emulator test")
	}
	client, err := NewAzureBlob(config.AzureBlobConfig{ConnectionString: connectionString, Container: "alsbatch-test"})
	suite.Require().NoError(err)
	_, err = client.client.CreateContainer(context.Background(), client.container, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if !errors.As(err, &respErr) || respErr.ErrorCode != string(bloberror.ContainerAlreadyExists) {
			suite.Require().NoError(err)
		}
	}
	suite.Store = client
}

func TestAzureBlob(t *testing.T) {
	suite.Run(t, new(AzureTestSuite))
}

func TestNewStore(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Storage.Remote = false
	cfg.Storage.LocalDir = t.TempDir()
	store, err := NewStore(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &POSIX{}, store)

	cfg.Storage.Remote = true
	cfg.Storage.Backend = "ftp"
	_, err = NewStore(context.Background(), cfg)
	assert.True(t, jujuerrors.Is(err, jujuerrors.NotSupported))
}
