//go:build integration

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

package engine_test

import (
	"fmt"
	"sync"

	"github.com/nebuly-ai/nos-partitioner/pkg/gpu"
	"github.com/nebuly-ai/nos-partitioner/pkg/registry"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Engine", func() {
	var (
		env *testEnv
		reg registry.Registry
		n   int
	)

	BeforeEach(func() {
		n++
		env, reg = newEnv(fmt.Sprintf("engine-%d", n))
	})

	AfterEach(func() {
		Expect(reg.Close()).To(Succeed())
	})

	When("A guest partition is created on an idle device", func() {
		It("Should be listed until it is destroyed", func() {
			By("Creating the partition")
			p, err := env.engine.CreatePartition(ctx, a100Id, typeGrid4C, gpu.BackendAuto)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Backend).To(Equal(gpu.BackendGuestMdev))
			Expect(p.Location.VirtualFunctionIndex).To(Equal(0))

			By("Listing the partitions of the device")
			partitions, err := env.engine.ListPartitions(ctx, a100Id)
			Expect(err).NotTo(HaveOccurred())
			Expect(partitions).To(ConsistOf(p))

			By("Checking that host partitions are rejected")
			_, err = env.engine.CreatePartition(ctx, a100Id, 0, gpu.BackendAuto)
			Expect(err).To(MatchError(gpu.ModeConflictErr))
			Expect(env.client.NumCallsCreateGpuInstance).To(Equal(0))

			By("Checking that MIG mode cannot be changed")
			_, err = env.engine.SetHostPartitioningMode(ctx, a100Id, false)
			Expect(err).To(MatchError(gpu.ModeConflictErr))

			By("Destroying the partition")
			Expect(env.engine.DestroyPartition(ctx, a100Id, p.UUID)).To(Succeed())
			partitions, err = env.engine.ListPartitions(ctx, a100Id)
			Expect(err).NotTo(HaveOccurred())
			Expect(partitions).To(BeEmpty())
		})
	})

	When("A host partition is created on an idle device", func() {
		It("Should switch the device to host mode", func() {
			p, err := env.engine.CreatePartition(ctx, a100Id, 0, gpu.BackendAuto)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Backend).To(Equal(gpu.BackendHostInstance))
			Expect(p.Location.Kind).To(Equal(gpu.LocationHostInstance))

			By("Creating a host-and-guest type without requesting a backend")
			other, err := env.engine.CreatePartition(ctx, a100Id, typeGrid4C, gpu.BackendAuto)
			Expect(err).NotTo(HaveOccurred())
			Expect(other.Backend).To(Equal(gpu.BackendHostInstance))

			By("Checking that guest partitions are rejected")
			_, err = env.engine.CreatePartition(ctx, a100Id, typeGrid4C, gpu.BackendGuestMdev)
			Expect(err).To(MatchError(gpu.ModeConflictErr))
			Expect(env.fs.NumCallsCreate).To(Equal(0))

			By("Finding the partitions by UUID")
			device, found, err := env.engine.FindPartition(ctx, other.UUID)
			Expect(err).NotTo(HaveOccurred())
			Expect(device.Id).To(Equal(a100Id))
			Expect(found).To(Equal(other))

			By("Destroying all the partitions")
			Expect(env.engine.DestroyPartition(ctx, a100Id, p.UUID)).To(Succeed())
			Expect(env.engine.DestroyPartition(ctx, a100Id, other.UUID)).To(Succeed())

			By("Checking that guest partitions can be created again")
			_, err = env.engine.CreatePartition(ctx, a100Id, typeGrid4C, gpu.BackendGuestMdev)
			Expect(err).NotTo(HaveOccurred())
		})
	})

	When("Many partitions are requested concurrently", func() {
		It("Should never exceed the capacity of the device", func() {
			const requests = 10
			// Two virtual functions with two free instances each
			const capacity = 4

			var wg sync.WaitGroup
			var mu sync.Mutex
			var created []gpu.Partition
			var failures []error
			for i := 0; i < requests; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					p, err := env.engine.CreatePartition(ctx, a100Id, typeGrid4C, gpu.BackendGuestMdev)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						failures = append(failures, err)
						return
					}
					created = append(created, p)
				}()
			}
			wg.Wait()

			Expect(created).To(HaveLen(capacity))
			Expect(failures).To(HaveLen(requests - capacity))
			for _, err := range failures {
				Expect(err).To(MatchError(gpu.CapacityExceededErr))
			}

			uuids := make(map[string]struct{})
			perFunction := make(map[int]int)
			for _, p := range created {
				uuids[p.UUID] = struct{}{}
				perFunction[p.Location.VirtualFunctionIndex]++
			}
			Expect(uuids).To(HaveLen(capacity))
			Expect(perFunction).To(Equal(map[int]int{0: 2, 1: 2}))

			creatable, err := env.engine.CreatableTypes(ctx, a100Id)
			Expect(err).NotTo(HaveOccurred())
			Expect(creatable).To(BeEmpty())
		})
	})

	When("The mdev does not show up after the create write", func() {
		It("Should clean up and fail", func() {
			env.fs.SuppressDeviceAppearance = true
			_, err := env.engine.CreatePartition(ctx, t4Id, typeGridT4Q, gpu.BackendAuto)
			Expect(err).To(MatchError(gpu.DriverErr))
			Expect(env.fs.NumCallsRemove).To(Equal(1))

			partitions, err := env.engine.ListPartitions(ctx, t4Id)
			Expect(err).NotTo(HaveOccurred())
			Expect(partitions).To(BeEmpty())
		})
	})
})
