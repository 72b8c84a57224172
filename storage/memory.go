// Copyright 2021-2022 The hassrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"sync"

	"github.com/alwitt/hassrelay/common"
	"github.com/apex/log"
)

// memoryStateCache in-memory EntityStateCache
type memoryStateCache struct {
	common.Component
	lock     sync.RWMutex
	entities map[string]*common.EntitySnapshot
}

// GetMemoryStateCache define a new in-memory EntityStateCache
func GetMemoryStateCache(instance string) EntityStateCache {
	logTags := log.Fields{
		"module": "storage", "component": "state-cache", "instance": instance,
	}
	return &memoryStateCache{
		Component: common.Component{LogTags: logTags},
		entities:  make(map[string]*common.EntitySnapshot),
	}
}

// Initialize replace the entire content of the cache
func (c *memoryStateCache) Initialize(snapshots []*common.EntitySnapshot) {
	entities := make(map[string]*common.EntitySnapshot, len(snapshots))
	for _, snapshot := range snapshots {
		entities[snapshot.EntityID] = snapshot
	}
	c.lock.Lock()
	c.entities = entities
	c.lock.Unlock()
	log.WithFields(c.LogTags).Infof("Initialized with %d entities", len(entities))
}

// Update insert or overwrite the entry for the snapshot's entity
func (c *memoryStateCache) Update(snapshot *common.EntitySnapshot) {
	c.lock.Lock()
	c.entities[snapshot.EntityID] = snapshot
	c.lock.Unlock()
}

// Get fetch the current snapshot of one entity
func (c *memoryStateCache) Get(entityID string) (*common.EntitySnapshot, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	snapshot, ok := c.entities[entityID]
	return snapshot, ok
}

// SnapshotAll get a point-in-time copy of the whole cache
func (c *memoryStateCache) SnapshotAll() map[string]*common.EntitySnapshot {
	c.lock.RLock()
	defer c.lock.RUnlock()
	result := make(map[string]*common.EntitySnapshot, len(c.entities))
	for entityID, snapshot := range c.entities {
		result[entityID] = snapshot
	}
	return result
}

// Size get the number of entities in the cache
func (c *memoryStateCache) Size() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return len(c.entities)
}
