//go:build nvml

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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nebuly-ai/nos-partitioner/internal/cli"
	"github.com/nebuly-ai/nos-partitioner/pkg/gpu"
	"github.com/nebuly-ai/nos-partitioner/pkg/gpu/nvml"
	"github.com/nebuly-ai/nos-partitioner/pkg/sysfs"
	"k8s.io/klog/v2"
)

func newNvmlClient() (nvml.Client, func(), error) {
	client, err := nvml.NewClient()
	if err != nil {
		return nil, nil, err
	}
	return client, func() {
		if err := nvml.Shutdown(); err != nil {
			klog.ErrorS(err, "unable to shutdown NVML")
		}
	}, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx = klog.NewContext(ctx, klog.Background())

	cmd := cli.NewRootCommand(newNvmlClient, sysfs.NewOsFS())
	err := cmd.ExecuteContext(ctx)
	stop()
	klog.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode returns 2 for invalid requests and 1 for every other failure.
func exitCode(err error) int {
	switch gpu.CodeOf(err) {
	case gpu.ErrorCodeDeviceNotFound,
		gpu.ErrorCodePartitionTypeNotFound,
		gpu.ErrorCodePartitionNotFound,
		gpu.ErrorCodeUnsupported:
		return 2
	default:
		return 1
	}
}
