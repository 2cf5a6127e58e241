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

package main

import (
	"os"

	"github.com/gorse-io/alsbatch/batch"
	"github.com/gorse-io/alsbatch/common/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCommand = &cobra.Command{
	Use:   "run",
	Short: "Train on new interaction files and archive them",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cfg, cleanup := setup(cmd)
		code := 0
		defer func() {
			cleanup()
			os.Exit(code)
		}()
		gateway := openGateway(ctx, cfg)
		defer gateway.Close()

		job := batch.NewJob(cfg, gateway)
		if cfg.Lock.RedisURI != "" {
			locker, err := batch.NewRedisLocker(cfg.Lock.RedisURI, cfg.Lock.TTL)
			if err != nil {
				log.Logger().Error("failed to connect lock store",
					zap.String("uri", log.RedactConnectionString(cfg.Lock.RedisURI)), zap.Error(err))
				code = 1
				return
			}
			defer locker.Close()
			job.WithLocker(locker)
		}
		if _, err := job.Run(ctx); err != nil {
			code = 1
		}
	},
}
