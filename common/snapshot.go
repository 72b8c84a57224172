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

package common

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
)

// EntitySnapshot the normalized state of one entity at a point in time.
//
// A snapshot is never modified once created, and is shared by pointer between the state
// cache and every client receiving it.
type EntitySnapshot struct {
	// EntityID is the stable entity identifier, e.g. "light.kitchen"
	EntityID string `json:"entity_id"`
	// State is the entity's state value
	State string `json:"state"`
	// LastChanged is when the state value last changed, exactly as reported upstream
	LastChanged json.RawMessage `json:"last_changed"`
	// LastUpdated is when the state or attributes were last updated, exactly as reported
	// upstream
	LastUpdated json.RawMessage `json:"last_updated"`
	// Attributes are the entity's attributes
	Attributes map[string]json.RawMessage `json:"attributes"`

	encodeOnce sync.Once
	encoded    []byte
	encodeErr  error
}

// NewEntitySnapshot define a new entity snapshot
func NewEntitySnapshot(
	entityID, state string,
	lastChanged, lastUpdated json.RawMessage,
	attributes map[string]json.RawMessage,
) *EntitySnapshot {
	attrs := make(map[string]json.RawMessage, len(attributes))
	for k, v := range attributes {
		attrs[k] = v
	}
	return &EntitySnapshot{
		EntityID:    entityID,
		State:       state,
		LastChanged: copyRawJSON(lastChanged),
		LastUpdated: copyRawJSON(lastUpdated),
		Attributes:  attrs,
	}
}

// IsJSONNull whether a raw JSON value is absent or the JSON null literal
func IsJSONNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// copyRawJSON copy a raw JSON value, with absent and null both becoming nil
func copyRawJSON(raw json.RawMessage) json.RawMessage {
	if IsJSONNull(raw) {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// Encoded get the JSON encoding of the snapshot. The encoding is only computed once.
func (s *EntitySnapshot) Encoded() ([]byte, error) {
	s.encodeOnce.Do(func() {
		s.encoded, s.encodeErr = json.Marshal(s)
	})
	return s.encoded, s.encodeErr
}

// String toString function
func (s *EntitySnapshot) String() string {
	return fmt.Sprintf("%s=%s", s.EntityID, s.State)
}
