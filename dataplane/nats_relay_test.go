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
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/hassrelay/common"
	"github.com/alwitt/hassrelay/dispatch"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

type publishedMsg struct {
	subject string
	data    string
}

// fakeNatsPublisher records publishes, and fails on the listed subjects
type fakeNatsPublisher struct {
	failSubjects map[string]bool
	published    chan publishedMsg
}

func (f *fakeNatsPublisher) Publish(subject string, data []byte) error {
	if f.failSubjects[subject] {
		return fmt.Errorf("nats: connection closed")
	}
	f.published <- publishedMsg{subject: subject, data: string(data)}
	return nil
}

func TestEntitySubject(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("hass.state.light.kitchen", EntitySubject("hass.state", "light.kitchen"))
	assert.Equal("hass.state.sensor.a_b_", EntitySubject("hass.state", "sensor.a*b>"))
}

func TestNatsRelay(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer cancel()

	hub, err := dispatch.GetBroadcastHub(
		"unit-test",
		common.SubscriptionConfig{QueueLen: 16, OverflowPolicy: common.OverflowDropOldest},
	)
	assert.Nil(err)

	publisher := &fakeNatsPublisher{
		failSubjects: map[string]bool{"hass.state.light.broken": true},
		published:    make(chan publishedMsg, 16),
	}

	// Case 0: invalid prefix
	{
		_, err := GetNatsRelay("unit-test", ".", publisher, hub)
		assert.NotNil(err)
	}

	uut, err := GetNatsRelay("unit-test", "hass.state.", publisher, hub)
	assert.Nil(err)
	assert.Nil(uut.Start(ctxt, &wg))
	assert.NotNil(uut.Start(ctxt, &wg))
	assert.Equal(1, hub.SubscriberCount())

	// Case 1: publish failure does not stop the relay
	{
		hub.Publish("light.broken", common.NewEntitySnapshot("light.broken", "on", nil, nil, nil))
		hub.Publish("light.a", common.NewEntitySnapshot("light.a", "on", nil, nil, nil))
		select {
		case msg := <-publisher.published:
			assert.Equal("hass.state.light.a", msg.subject)
			assert.JSONEq(
				`{"entity_id":"light.a","state":"on","last_changed":null,"last_updated":null,"attributes":{}}`,
				msg.data,
			)
		case <-time.After(time.Second):
			assert.Fail("nothing published")
		}
	}

	// Case 2: stop with the context
	{
		cancel()
		assert.Eventually(func() bool {
			return hub.SubscriberCount() == 0
		}, time.Second, time.Millisecond*5)
		assert.Nil(uut.Stop())
	}
}
