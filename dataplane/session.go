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
	"sort"

	"github.com/alwitt/hassrelay/common"
	"github.com/alwitt/hassrelay/dispatch"
	"github.com/alwitt/hassrelay/storage"
	"github.com/apex/log"
)

// SessionTransport a downstream connection as seen by a client session
type SessionTransport interface {
	/*
		Send deliver one encoded snapshot to the client

		 @param payload []byte - JSON encoded snapshot
	*/
	Send(payload []byte) error
	// Closed get a channel closed once the client side of the connection is gone
	Closed() <-chan struct{}
}

// ClientSession relays the entity state to one downstream client
type ClientSession interface {
	/*
		Run send the current state of the matching entities, then relay every matching
		change until the client goes away, a send fails, or the context is cancelled.

		 @param ctxt context.Context - session context
		 @return nil if the session ended because the client left or the context ended
	*/
	Run(ctxt context.Context) error
	// ID get the session ID
	ID() string
}

// clientSessionImpl implements ClientSession
type clientSessionImpl struct {
	common.Component
	id        string
	filter    dispatch.FilterFunc
	transport SessionTransport
	cache     storage.EntityStateCache
	hub       dispatch.BroadcastHub
}

/*
GetClientSession define a new client session

 @param id string - session ID
 @param entityIDs []string - entities the client listens to. nil means every entity.
 @param transport SessionTransport - the downstream connection
 @param cache storage.EntityStateCache - the entity state cache
 @param hub dispatch.BroadcastHub - hub to receive changes from
 @return new ClientSession instance
*/
func GetClientSession(
	id string,
	entityIDs []string,
	transport SessionTransport,
	cache storage.EntityStateCache,
	hub dispatch.BroadcastHub,
) (ClientSession, error) {
	if transport == nil {
		return nil, fmt.Errorf("session %s has no transport", id)
	}
	logTags := log.Fields{
		"module": "dataplane", "component": "client-session", "instance": id,
	}
	if entityIDs != nil {
		logTags["entities"] = entityIDs
	}
	return &clientSessionImpl{
		Component: common.Component{LogTags: logTags},
		id:        id,
		filter:    dispatch.EntityIDFilter(entityIDs),
		transport: transport,
		cache:     cache,
		hub:       hub,
	}, nil
}

// ID get the session ID
func (s *clientSessionImpl) ID() string {
	return s.id
}

func (s *clientSessionImpl) accepts(entityID string, snapshot *common.EntitySnapshot) bool {
	return s.filter == nil || s.filter(entityID, snapshot)
}

func (s *clientSessionImpl) send(snapshot *common.EntitySnapshot) error {
	payload, err := snapshot.Encoded()
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to encode %s", snapshot)
		return nil
	}
	if err := s.transport.Send(payload); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to send %s", snapshot)
		return fmt.Errorf("session %s send: %w", s.id, err)
	}
	return nil
}

// Run run the session
func (s *clientSessionImpl) Run(ctxt context.Context) error {
	// Subscribe before reading the cache so no change falls between the two. A change
	// may then be delivered both in the initial state and as a live event.
	subscription, err := s.hub.Subscribe(s.filter)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to subscribe")
		return err
	}
	defer func() {
		if err := s.hub.Unsubscribe(subscription); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failed to unsubscribe")
		}
		log.WithFields(s.LogTags).Infof(
			"Session ended (%d changes dropped)", subscription.Dropped(),
		)
	}()

	current := s.cache.SnapshotAll()
	entityIDs := make([]string, 0, len(current))
	for entityID, snapshot := range current {
		if s.accepts(entityID, snapshot) {
			entityIDs = append(entityIDs, entityID)
		}
	}
	sort.Strings(entityIDs)
	for _, entityID := range entityIDs {
		if err := s.send(current[entityID]); err != nil {
			return err
		}
	}
	log.WithFields(s.LogTags).Infof("Sent initial state of %d entities", len(entityIDs))

	for {
		select {
		case event, ok := <-subscription.Events():
			if !ok {
				log.WithFields(s.LogTags).Info("Subscription closed")
				return nil
			}
			if err := s.send(event.Snapshot); err != nil {
				return err
			}
		case <-s.transport.Closed():
			log.WithFields(s.LogTags).Info("Client disconnected")
			return nil
		case <-ctxt.Done():
			log.WithFields(s.LogTags).Info("Session context ended")
			return nil
		}
	}
}
