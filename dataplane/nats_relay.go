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
	"strings"
	"sync"

	"github.com/alwitt/hassrelay/common"
	"github.com/alwitt/hassrelay/dispatch"
	"github.com/apex/log"
)

// NatsPublisher publishes messages to NATS subjects
type NatsPublisher interface {
	Publish(subject string, data []byte) error
}

// NatsRelay republishes every entity change onto NATS
type NatsRelay interface {
	/*
		Start subscribe to the hub and start relaying

		 @param ctxt context.Context - relay context. The relay stops when it ends.
		 @param wg *sync.WaitGroup - wait group for the relay goroutine
	*/
	Start(ctxt context.Context, wg *sync.WaitGroup) error
	// Stop stop relaying
	Stop() error
}

// natsRelayImpl implements NatsRelay
type natsRelayImpl struct {
	common.Component
	subjectPrefix string
	publisher     NatsPublisher
	hub           dispatch.BroadcastHub
	lock          sync.Mutex
	subscription  dispatch.Subscription
}

/*
GetNatsRelay define a new NATS relay

 @param instance string - instance name
 @param subjectPrefix string - subject prefix. The entity ID is appended to it.
 @param publisher NatsPublisher - NATS publisher
 @param hub dispatch.BroadcastHub - hub to relay from
 @return new NatsRelay instance
*/
func GetNatsRelay(
	instance string, subjectPrefix string, publisher NatsPublisher, hub dispatch.BroadcastHub,
) (NatsRelay, error) {
	subjectPrefix = strings.Trim(subjectPrefix, ".")
	if subjectPrefix == "" {
		return nil, fmt.Errorf("NATS subject prefix is empty")
	}
	logTags := log.Fields{
		"module": "dataplane", "component": "nats-relay", "instance": instance,
	}
	return &natsRelayImpl{
		Component:     common.Component{LogTags: logTags},
		subjectPrefix: subjectPrefix,
		publisher:     publisher,
		hub:           hub,
	}, nil
}

// EntitySubject get the NATS subject for an entity. NATS wildcard and whitespace
// characters are replaced with "_".
func EntitySubject(prefix, entityID string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch r {
		case '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		default:
			return r
		}
	}, entityID)
	return fmt.Sprintf("%s.%s", prefix, sanitized)
}

// Start subscribe to the hub and start relaying
func (r *natsRelayImpl) Start(ctxt context.Context, wg *sync.WaitGroup) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.subscription != nil {
		return fmt.Errorf("NATS relay already started")
	}
	subscription, err := r.hub.Subscribe(nil)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to subscribe")
		return err
	}
	r.subscription = subscription

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(r.LogTags).Info("NATS relay exiting")
		ctxtDone := ctxt.Done()
		for {
			select {
			case event, ok := <-subscription.Events():
				if !ok {
					return
				}
				r.relay(event)
			case <-ctxtDone:
				// Queued events are drained until the subscription channel closes
				ctxtDone = nil
				_ = r.Stop()
			}
		}
	}()
	log.WithFields(r.LogTags).Infof("Relaying entity changes to '%s.>'", r.subjectPrefix)
	return nil
}

func (r *natsRelayImpl) relay(event dispatch.Event) {
	payload, err := event.Snapshot.Encoded()
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to encode %s", event)
		return
	}
	subject := EntitySubject(r.subjectPrefix, event.EntityID)
	if err := r.publisher.Publish(subject, payload); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to publish to %s", subject)
	}
}

// Stop stop relaying
func (r *natsRelayImpl) Stop() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.subscription == nil {
		return nil
	}
	err := r.hub.Unsubscribe(r.subscription)
	r.subscription = nil
	return err
}
