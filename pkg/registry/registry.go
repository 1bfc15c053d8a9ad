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

package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nebuly-ai/nos-partitioner/pkg/gpu"
	bolt "go.etcd.io/bbolt"
)

// Record is the location of a host partition on its device. A host partition is identified
// by its GPU instance, the compute instance is the default one created together with it.
type Record struct {
	GpuInstanceId     int `json:"gpuInstanceId"`
	ComputeInstanceId int `json:"computeInstanceId"`
	TypeId            int `json:"typeId"`
}

func (r Record) SameLocation(other Record) bool {
	return r.GpuInstanceId == other.GpuInstanceId
}

// Registry stores the UUIDs assigned to host partitions, which the vendor
// library does not keep. Records are grouped by device.
type Registry interface {
	// Put stores the record, dropping any other record of the device with the same location
	Put(deviceId string, uuid string, record Record) error
	// Get fails with gpu.NotFoundErr if the record does not exist
	Get(deviceId string, uuid string) (Record, error)
	Delete(deviceId string, uuid string) error
	// List returns the records of the device indexed by UUID
	List(deviceId string) (map[string]Record, error)
	Close() error
}

type boltRegistry struct {
	db *bolt.DB
}

func NewRegistry(file string) (Registry, error) {
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(file, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("unable to open registry %s: %w", file, err)
	}
	return &boltRegistry{db: db}, nil
}

func (b *boltRegistry) Put(deviceId string, uuid string, record Record) error {
	value, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(deviceId))
		if err != nil {
			return err
		}
		stale := make([][]byte, 0)
		err = bucket.ForEach(func(k, v []byte) error {
			var existing Record
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.SameLocation(record) && string(k) != uuid {
				stale = append(stale, k)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return bucket.Put([]byte(uuid), value)
	})
}

func (b *boltRegistry) Get(deviceId string, uuid string) (Record, error) {
	var record Record
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(deviceId))
		if bucket == nil {
			return gpu.NotFoundErr.Errorf("no partitions registered for device %s", deviceId)
		}
		value := bucket.Get([]byte(uuid))
		if value == nil {
			return gpu.NotFoundErr.Errorf("partition %s not registered", uuid)
		}
		return json.Unmarshal(value, &record)
	})
	return record, err
}

func (b *boltRegistry) Delete(deviceId string, uuid string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(deviceId))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(uuid))
	})
}

func (b *boltRegistry) List(deviceId string) (map[string]Record, error) {
	res := make(map[string]Record)
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(deviceId))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("malformed record %s: %w", string(k), err)
			}
			res[string(k)] = record
			return nil
		})
	})
	return res, err
}

func (b *boltRegistry) Close() error {
	return b.db.Close()
}
