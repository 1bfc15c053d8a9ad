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
	"fmt"
	"strconv"

	"github.com/nebuly-ai/nos-partitioner/pkg/gpu"
	"github.com/spf13/cobra"
)

type sessionOpener func(ctx context.Context) (*session, error)

// withSession opens a session, runs f and releases the session.
func withSession(cmd *cobra.Command, open sessionOpener, f func(ctx context.Context, s *session) (any, error)) error {
	ctx := cmd.Context()
	s, err := open(ctx)
	if err != nil {
		return err
	}
	defer s.release()

	out, err := f(ctx, s)
	if err != nil {
		return err
	}
	return printYAML(cmd.OutOrStdout(), out)
}

func newDevicesCommand(open sessionOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the devices of the host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, open, func(ctx context.Context, s *session) (any, error) {
				devices, err := s.engine.EnumerateDevices(ctx)
				if err != nil {
					return nil, err
				}
				return newDeviceViews(devices), nil
			})
		},
	}
}

func newTypesCommand(open sessionOpener) *cobra.Command {
	var creatable bool
	cmd := &cobra.Command{
		Use:   "types DEVICE_ID",
		Short: "List the partition types supported by a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, open, func(ctx context.Context, s *session) (any, error) {
				var types gpu.PartitionTypeList
				var err error
				if creatable {
					types, err = s.engine.CreatableTypes(ctx, args[0])
				} else {
					types, err = s.engine.SupportedTypes(ctx, args[0])
				}
				if err != nil {
					return nil, err
				}
				return newTypeViews(types), nil
			})
		},
	}
	cmd.Flags().BoolVar(&creatable, "creatable", false, "List only the types with free capacity")
	return cmd
}

func newCreateCommand(open sessionOpener) *cobra.Command {
	var backend string
	cmd := &cobra.Command{
		Use:   "create DEVICE_ID TYPE_ID",
		Short: "Create a partition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			typeId, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid partition type id %q: %w", args[1], err)
			}
			return withSession(cmd, open, func(ctx context.Context, s *session) (any, error) {
				p, err := s.engine.CreatePartition(ctx, args[0], typeId, gpu.Backend(backend))
				if err != nil {
					return nil, err
				}
				return newPartitionView(p), nil
			})
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "Backend of the partition: guest-mdev or host-instance (default: chosen from the device mode)")
	return cmd
}

func newListCommand(open sessionOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "list DEVICE_ID",
		Short: "List the partitions of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, open, func(ctx context.Context, s *session) (any, error) {
				partitions, err := s.engine.ListPartitions(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return newPartitionViews(partitions), nil
			})
		},
	}
}

func newDestroyCommand(open sessionOpener) *cobra.Command {
	var deviceId string
	cmd := &cobra.Command{
		Use:   "destroy PARTITION_UUID",
		Short: "Destroy a partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, open, func(ctx context.Context, s *session) (any, error) {
				id := deviceId
				if id == "" {
					device, _, err := s.engine.FindPartition(ctx, args[0])
					if err != nil {
						return nil, err
					}
					id = device.Id
				}
				if err := s.engine.DestroyPartition(ctx, id, args[0]); err != nil {
					return nil, err
				}
				return map[string]string{"destroyed": args[0], "device": id}, nil
			})
		},
	}
	cmd.Flags().StringVar(&deviceId, "device", "", "Device hosting the partition (default: searched among all the devices)")
	return cmd
}

func newModeCommand(open sessionOpener) *cobra.Command {
	var enable, disable bool
	cmd := &cobra.Command{
		Use:   "mode DEVICE_ID",
		Short: "Show or change the MIG mode of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, open, func(ctx context.Context, s *session) (any, error) {
				var status gpu.HostModeStatus
				var err error
				switch {
				case enable:
					status, err = s.engine.SetHostPartitioningMode(ctx, args[0], true)
				case disable:
					status, err = s.engine.SetHostPartitioningMode(ctx, args[0], false)
				default:
					status, err = s.engine.GetHostPartitioningMode(ctx, args[0])
				}
				if err != nil {
					return nil, err
				}
				return newModeView(status), nil
			})
		},
	}
	cmd.Flags().BoolVar(&enable, "enable", false, "Enable MIG mode")
	cmd.Flags().BoolVar(&disable, "disable", false, "Disable MIG mode")
	cmd.MarkFlagsMutuallyExclusive("enable", "disable")
	return cmd
}
