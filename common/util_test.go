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
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestComponentCopyLogTags(t *testing.T) {
	assert := assert.New(t)

	uut := Component{LogTags: log.Fields{"module": "dispatch", "component": "hub"}}
	copied := uut.CopyLogTags()
	copied["subscription"] = "sub-1"
	assert.Equal("sub-1", copied["subscription"])
	assert.Equal("hub", copied["component"])
	_, ok := uut.LogTags["subscription"]
	assert.False(ok)
	assert.Len(uut.LogTags, 2)

	// No tags at all
	empty := Component{}.CopyLogTags()
	assert.NotNil(empty)
	assert.Empty(empty)
}
