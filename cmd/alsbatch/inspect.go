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
	"fmt"
	"os"

	"github.com/gorse-io/alsbatch/common/log"
	"github.com/gorse-io/alsbatch/storage/docstore"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var inspectCommand = &cobra.Command{
	Use:   "inspect",
	Short: "List saved model descriptors, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cfg, cleanup := setup(cmd)
		defer cleanup()
		n, _ := cmd.Flags().GetInt("n")
		gateway := openGateway(ctx, cfg)
		defer gateway.Close()

		descriptors, err := gateway.ListDescriptors(ctx, n)
		if err != nil {
			log.Logger().Fatal("failed to list descriptors", zap.Error(err))
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("id", "timestamp", "status", "group_key", "size_bytes", "chunks", "hyperparameters")
		for _, descriptor := range descriptors {
			if err = table.Append(descriptorRow(descriptor)); err != nil {
				log.Logger().Fatal("failed to render descriptors", zap.Error(err))
			}
		}
		if err = table.Render(); err != nil {
			log.Logger().Fatal("failed to render descriptors", zap.Error(err))
		}
	},
}

func descriptorRow(descriptor docstore.Descriptor) []string {
	h := descriptor.Hyperparameters
	return []string{
		descriptor.ID,
		descriptor.Timestamp.Format(docstore.TimestampLayout),
		descriptor.Status,
		descriptor.GroupKey,
		fmt.Sprint(descriptor.SizeBytes),
		fmt.Sprint(descriptor.TotalChunks),
		fmt.Sprintf("factors=%d reg=%g iterations=%d alpha=%g seed=%d",
			h.Factors, h.Regularization, h.Iterations, h.Alpha, h.RandomState),
	}
}

func init() {
	inspectCommand.Flags().Int("n", 10, "number of descriptors")
}
