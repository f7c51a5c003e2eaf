/*
   Copyright @ 2021 bocloud <fushaosong@beyondcent.com>.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package run

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"k8s.io/client-go/dynamic"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/client/config"
	"sigs.k8s.io/controller-runtime/pkg/manager/signals"

	"github.com/carina-io/localpv-agent/pkg/configuration"
	"github.com/carina-io/localpv-agent/pkg/devicemanager"
	"github.com/carina-io/localpv-agent/pkg/marker"
	"github.com/carina-io/localpv-agent/runners"
	"github.com/carina-io/localpv-agent/utils/exec"
	"github.com/carina-io/localpv-agent/utils/log"
)

func subMain(cmd *cobra.Command) (int, error) {
	cfg, err := configuration.Load(cmd.Flags(), configFile)
	if err != nil {
		return 1, err
	}

	logger, err := log.New(log.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return 1, fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	nodeName, err := marker.ResolveNodeName(cfg.NodeNameEnv, os.LookupEnv)
	if err != nil {
		logger.Errorf("Unable to determine the node name: %s", err)
		return 1, nil
	}
	printWelcome(logger, nodeName, cfg)

	restConfig, err := config.GetConfig()
	if err != nil {
		logger.Errorf("Unable to load the kubernetes client configuration: %s", err)
		return 1, nil
	}
	client, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		logger.Errorf("Unable to create the kubernetes client: %s", err)
		return 1, nil
	}

	ctx := signals.SetupSignalHandler()

	executor := &exec.CommandExecutor{
		Log:       logger,
		Elevate:   cfg.Elevate,
		KillGrace: cfg.KillGrace,
	}
	processor := devicemanager.NewProcessor(devicemanager.Config{
		ByIDRoot:      cfg.ByIDRoot,
		RootMountPath: cfg.RootMountPath,
		FstabPath:     cfg.FstabPath,
		HostMountInfo: cfg.HostMountInfo,
		Timeouts: devicemanager.Timeouts{
			Probe:  cfg.ProbeTimeout,
			Format: cfg.FormatTimeout,
			Write:  cfg.WriteTimeout,
			Mount:  cfg.MountTimeout,
		},
	}, executor, logger)

	batch := runners.NewBatch(nodeName,
		marker.NewReader(client, cfg.Marker(), logger, cfg.ReadRetryTimeout),
		processor,
		marker.NewClearer(client, cfg.Marker(), logger),
		clock.RealClock{},
		logger)
	batch.MetricsTextfile = cfg.MetricsTextfile

	return batch.Run(ctx).ExitCode(), nil
}

func printWelcome(logger *zap.SugaredLogger, nodeName string, cfg *configuration.Config) {
	logger.Info("-------- Welcome to use Local PV Agent --------")
	logger.Infof("Git Commit ID : %s", gitCommitID)
	logger.Infof("node name : %s", nodeName)
	logger.Infof("marker : %s", cfg.Marker())
	logger.Infof("root mount path : %s", cfg.RootMountPath)
	logger.Info("------------------------------------")
}
