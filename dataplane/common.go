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

package dataplane

import (
	"github.com/alwitt/hassrelay/common"
	"github.com/alwitt/hassrelay/core"
)

/*
ConvertEntitySnapshot convert a Home Assistant entity record into a snapshot for
delivery. Only the entity ID, state, timestamps and attributes are carried over.

 @param entity core.HassEntity - the upstream entity record
 @return the snapshot
*/
func ConvertEntitySnapshot(entity core.HassEntity) *common.EntitySnapshot {
	return common.NewEntitySnapshot(
		entity.EntityID,
		entity.State,
		entity.LastChanged,
		entity.LastUpdated,
		entity.Attributes,
	)
}

// ConvertEntitySnapshots convert a list of Home Assistant entity records
func ConvertEntitySnapshots(entities []core.HassEntity) []*common.EntitySnapshot {
	result := make([]*common.EntitySnapshot, 0, len(entities))
	for _, entity := range entities {
		result = append(result, ConvertEntitySnapshot(entity))
	}
	return result
}
