/*
 * Copyright 2023 nebuly.com.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package cli

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/nebuly-ai/nos-partitioner/internal/engine"
	"github.com/nebuly-ai/nos-partitioner/pkg/api/nos.nebuly.com/config/v1alpha1"
	"github.com/nebuly-ai/nos-partitioner/pkg/gpu/nvml"
	"github.com/nebuly-ai/nos-partitioner/pkg/metrics"
	"github.com/nebuly-ai/nos-partitioner/pkg/registry"
	"github.com/nebuly-ai/nos-partitioner/pkg/sysfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

const envPrefix = "NOS_PARTITIONER"

const (
	flagConfig          = "config"
	flagSysfsRoot       = "sysfs-root"
	flagMdevTypePrefix  = "mdev-type-prefix"
	flagRegistryPath    = "registry-path"
	flagMetricsTextfile = "metrics-textfile"
)

// ClientFactory opens the vendor management library. The returned function releases it.
type ClientFactory func() (nvml.Client, func(), error)

type options struct {
	configFile      string
	sysfsRoot       string
	mdevTypePrefix  string
	registryPath    string
	metricsTextfile string
}

// session holds the engine serving a single command, together with what must be
// released once the command completes.
type session struct {
	engine  *engine.Engine
	release func()
}

// NewRootCommand returns the command tree of the partitioner. Every command opens the
// vendor library with newClient and accesses the pseudo-filesystem through fs.
func NewRootCommand(newClient ClientFactory, fs sysfs.FS) *cobra.Command {
	opts := &options{}
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "gpupartitioner",
		Short:         "Create and destroy GPU partitions on the local host",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(c *cobra.Command, _ []string) error {
			bindCommandToViper(v, c)
			return nil
		},
		RunE: func(c *cobra.Command, _ []string) error {
			return c.Help()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, flagConfig, "", "Path of the partitioner config file")
	flags.StringVar(&opts.sysfsRoot, flagSysfsRoot, "", "Root of the sysfs tree (overrides the config file)")
	flags.StringVar(&opts.mdevTypePrefix, flagMdevTypePrefix, "", "Prefix of the mdev type keys (overrides the config file)")
	flags.StringVar(&opts.registryPath, flagRegistryPath, "", "Path of the host partition registry (overrides the config file)")
	flags.StringVar(&opts.metricsTextfile, flagMetricsTextfile, "", "If set, write the operation metrics to this file in the text exposition format")

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	flags.AddGoFlagSet(klogFlags)

	open := func(ctx context.Context) (*session, error) {
		return openSession(ctx, opts, newClient, fs)
	}
	cmd.AddCommand(
		newDevicesCommand(open),
		newTypesCommand(open),
		newCreateCommand(open),
		newListCommand(open),
		newDestroyCommand(open),
		newModeCommand(open),
	)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return cmd
}

// bindCommandToViper fills the flags not set on the command line with the values
// found in the environment.
func bindCommandToViper(v *viper.Viper, cmd *cobra.Command) {
	bind := func(fs *pflag.FlagSet) {
		fs.VisitAll(func(f *pflag.Flag) {
			_ = v.BindPFlag(f.Name, f)
			_ = v.BindEnv(f.Name)
			if !f.Changed && v.IsSet(f.Name) {
				_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
			}
		})
	}
	bind(cmd.PersistentFlags())
	bind(cmd.InheritedFlags())
	bind(cmd.Flags())
}

func loadConfig(opts *options) (v1alpha1.PartitionerConfig, error) {
	config := v1alpha1.NewDefaultPartitionerConfig()
	if opts.configFile != "" {
		var err error
		if config, err = v1alpha1.LoadFromFile(opts.configFile); err != nil {
			return config, err
		}
	}
	if opts.sysfsRoot != "" {
		config.SysfsRoot = opts.sysfsRoot
	}
	if opts.mdevTypePrefix != "" {
		config.MdevTypePrefix = opts.mdevTypePrefix
	}
	if opts.registryPath != "" {
		config.RegistryPath = opts.registryPath
	}
	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

func openSession(ctx context.Context, opts *options, newClient ClientFactory, fs sysfs.FS) (*session, error) {
	logger := klog.FromContext(ctx).WithName("setup")

	config, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	client, closeClient, err := newClient()
	if err != nil {
		return nil, fmt.Errorf("unable to open the vendor library: %w", err)
	}
	reg, err := registry.NewRegistry(config.RegistryPath)
	if err != nil {
		closeClient()
		return nil, fmt.Errorf("unable to open the partition registry: %w", err)
	}
	gatherer := prometheus.NewRegistry()
	logger.V(1).Info("loaded config", "sysfsRoot", config.SysfsRoot, "registry", config.RegistryPath)

	s := &session{engine: engine.New(config, client, fs, reg, metrics.NewRecorder(gatherer))}
	s.release = func() {
		if err := reg.Close(); err != nil {
			logger.Error(err, "unable to close the partition registry")
		}
		closeClient()
		if opts.metricsTextfile == "" {
			return
		}
		if err := prometheus.WriteToTextfile(opts.metricsTextfile, gatherer); err != nil {
			logger.Error(err, "unable to write metrics", "file", opts.metricsTextfile)
		}
	}
	return s, nil
}
