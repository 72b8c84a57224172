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

import "github.com/alwitt/hassrelay/common"

// EntityStateCache table of entity ID to the latest snapshot of that entity.
//
// Every operation holds the table lock only for its own duration. Readers get a copy,
// never a live view.
type EntityStateCache interface {
	// Initialize replace the entire content of the cache
	Initialize(snapshots []*common.EntitySnapshot)
	// Update insert or overwrite the entry for the snapshot's entity
	Update(snapshot *common.EntitySnapshot)
	// Get fetch the current snapshot of one entity
	Get(entityID string) (*common.EntitySnapshot, bool)
	// SnapshotAll get a point-in-time copy of the whole cache
	SnapshotAll() map[string]*common.EntitySnapshot
	// Size get the number of entities in the cache
	Size() int
}
