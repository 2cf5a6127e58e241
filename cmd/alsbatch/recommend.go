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
	"github.com/gorse-io/alsbatch/logics"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var recommendCommand = &cobra.Command{
	Use:   "recommend",
	Short: "Show recommendations of the latest model for a user",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cfg, cleanup := setup(cmd)
		defer cleanup()
		userID, _ := cmd.Flags().GetString("user")
		if n, _ := cmd.Flags().GetInt("n"); n > 0 {
			cfg.Serving.RecommendationCount = n
			cfg.Serving.MinimumCount = min(cfg.Serving.MinimumCount, n)
		}
		gateway := openGateway(ctx, cfg)
		defer gateway.Close()

		recommender, err := logics.LoadRecommender(ctx, gateway, cfg.Serving)
		if err != nil {
			log.Logger().Fatal("failed to load recommender", zap.Error(err))
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("rank", "product_id", "score", "source")
		for i, score := range recommender.Recommend(userID) {
			if err = table.Append([]string{
				fmt.Sprint(i + 1),
				score.ProductID,
				fmt.Sprintf("%.6f", score.Score),
				score.Source,
			}); err != nil {
				log.Logger().Fatal("failed to render recommendations", zap.Error(err))
			}
		}
		if err = table.Render(); err != nil {
			log.Logger().Fatal("failed to render recommendations", zap.Error(err))
		}
	},
}

func init() {
	recommendCommand.Flags().String("user", "", "user id")
	recommendCommand.Flags().Int("n", 0, "number of recommendations (default serving.recommendation_count)")
	_ = recommendCommand.MarkFlagRequired("user")
}
