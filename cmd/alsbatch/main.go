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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorse-io/alsbatch/cmd/version"
	"github.com/gorse-io/alsbatch/common/log"
	"github.com/gorse-io/alsbatch/config"
	"github.com/gorse-io/alsbatch/storage/artifact"
	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

var rootCommand = &cobra.Command{
	Use:   "alsbatch",
	Short: "Incremental ALS training over purchase interactions.",
	// running without a subcommand runs the batch update
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion, _ := cmd.Flags().GetBool("version"); showVersion {
			fmt.Println(version.BuildInfo())
			return
		}
		runCommand.Run(cmd, args)
	},
}

func init() {
	log.AddFlags(rootCommand.PersistentFlags())
	rootCommand.PersistentFlags().Bool("debug", false, "use debug log mode")
	rootCommand.PersistentFlags().StringP("config", "c", "", "configuration file path")
	rootCommand.Flags().BoolP("version", "v", false, "alsbatch version")
	rootCommand.AddCommand(runCommand, recommendCommand, inspectCommand)
}

// setup configures logging and tracing and loads the configuration.
func setup(cmd *cobra.Command) (context.Context, *config.Config, func()) {
	debug, _ := cmd.Flags().GetBool("debug")
	log.SetLogger(cmd.Flags(), debug)
	configPath, _ := cmd.Flags().GetString("config")
	log.Logger().Info("load config", zap.String("config", configPath))
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Logger().Fatal("failed to load config", zap.Error(err))
	}
	tp, err := cfg.Tracing.NewTracerProvider()
	if err != nil {
		log.Logger().Fatal("failed to create tracer provider", zap.Error(err))
	}
	otel.SetTracerProvider(tp)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx, cfg, func() {
		stop()
		if sdk, ok := tp.(*tracesdk.TracerProvider); ok {
			if err := sdk.Shutdown(context.Background()); err != nil {
				log.Logger().Warn("failed to flush traces", zap.Error(err))
			}
		}
		_ = log.Logger().Sync()
	}
}

func openGateway(ctx context.Context, cfg *config.Config) *artifact.Gateway {
	gateway, err := artifact.Open(ctx, cfg)
	if err != nil {
		log.Logger().Fatal("failed to open artifact store", zap.Error(err))
	}
	return gateway
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		log.Logger().Fatal("failed to execute", zap.String("stack", errors.ErrorStack(err)), zap.Error(err))
	}
}
