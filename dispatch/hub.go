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

package dispatch

import (
	"fmt"
	"sync"

	"github.com/alwitt/hassrelay/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// BroadcastHub fan out entity change events to many independently filtered observers
type BroadcastHub interface {
	/*
		Subscribe register a new observer

		 @param filter FilterFunc - optional filter. nil means every event is delivered.
		 @return the new subscription
	*/
	Subscribe(filter FilterFunc) (Subscription, error)
	/*
		Publish deliver an event to every subscription whose filter accepts it. This never
		blocks on a subscriber.

		 @param entityID string - the entity ID
		 @param snapshot *common.EntitySnapshot - the new entity snapshot
	*/
	Publish(entityID string, snapshot *common.EntitySnapshot)
	/*
		Unsubscribe remove an observer. Its delivery channel is closed.

		 @param subscription Subscription - the subscription to remove
	*/
	Unsubscribe(subscription Subscription) error
	// SubscriberCount get the number of active subscriptions
	SubscriberCount() int
}

// broadcastHubImpl implements BroadcastHub
type broadcastHubImpl struct {
	common.Component
	config        common.SubscriptionConfig
	lock          sync.RWMutex
	subscriptions map[string]*subscriptionImpl
}

/*
GetBroadcastHub define a new broadcast hub

 @param instance string - instance name
 @param config common.SubscriptionConfig - per subscription queue settings
 @return new BroadcastHub instance
*/
func GetBroadcastHub(instance string, config common.SubscriptionConfig) (BroadcastHub, error) {
	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "dispatch", "component": "broadcast-hub", "instance": instance,
	}
	return &broadcastHubImpl{
		Component:     common.Component{LogTags: logTags},
		config:        config,
		subscriptions: make(map[string]*subscriptionImpl),
	}, nil
}

// Subscribe register a new observer
func (h *broadcastHubImpl) Subscribe(filter FilterFunc) (Subscription, error) {
	subscriptionID := uuid.New().String()
	sub := newSubscription(subscriptionID, filter, h.config, h.Component)
	h.lock.Lock()
	defer h.lock.Unlock()
	h.subscriptions[subscriptionID] = sub
	log.WithFields(h.LogTags).Debugf(
		"Added subscription %s (total %d)", subscriptionID, len(h.subscriptions),
	)
	return sub, nil
}

// Publish deliver an event to every matching subscription
func (h *broadcastHubImpl) Publish(entityID string, snapshot *common.EntitySnapshot) {
	event := Event{EntityID: entityID, Snapshot: snapshot}
	h.lock.RLock()
	targets := make([]*subscriptionImpl, 0, len(h.subscriptions))
	for _, sub := range h.subscriptions {
		targets = append(targets, sub)
	}
	h.lock.RUnlock()
	for _, sub := range targets {
		if sub.accepts(event) {
			sub.deliver(event)
		}
	}
}

// Unsubscribe remove an observer
func (h *broadcastHubImpl) Unsubscribe(subscription Subscription) error {
	if subscription == nil {
		return fmt.Errorf("no subscription given")
	}
	h.lock.Lock()
	sub, ok := h.subscriptions[subscription.ID()]
	if ok {
		delete(h.subscriptions, subscription.ID())
	}
	remaining := len(h.subscriptions)
	h.lock.Unlock()
	if !ok {
		return fmt.Errorf("subscription %s is not registered", subscription.ID())
	}
	sub.close()
	log.WithFields(h.LogTags).Debugf(
		"Removed subscription %s (total %d)", subscription.ID(), remaining,
	)
	return nil
}

// SubscriberCount get the number of active subscriptions
func (h *broadcastHubImpl) SubscriberCount() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.subscriptions)
}
