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
	"strings"
	"sync"
	"sync/atomic"

	"github.com/alwitt/hassrelay/common"
	"github.com/apex/log"
)

// Event one entity change flowing through the hub
type Event struct {
	EntityID string
	Snapshot *common.EntitySnapshot
}

// String toString function
func (e Event) String() string {
	if e.Snapshot == nil {
		return e.EntityID
	}
	return e.Snapshot.String()
}

// FilterFunc selects which events a subscription receives. It must be side-effect free.
type FilterFunc func(entityID string, snapshot *common.EntitySnapshot) bool

// EntityIDFilter define a FilterFunc accepting only the listed entities. A nil list means
// no filtering, and returns a nil FilterFunc.
func EntityIDFilter(entityIDs []string) FilterFunc {
	if entityIDs == nil {
		return nil
	}
	accepted := make(map[string]bool, len(entityIDs))
	for _, entityID := range entityIDs {
		accepted[entityID] = true
	}
	return func(entityID string, _ *common.EntitySnapshot) bool {
		return accepted[entityID]
	}
}

// ParseEntityIDList parse a comma separated list of entity IDs. Blank entries are ignored,
// and an error is returned if no entity ID remains.
func ParseEntityIDList(raw string) ([]string, error) {
	result := []string{}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		result = append(result, entry)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("entity ID list '%s' is empty", raw)
	}
	return result, nil
}

// ========================================================================================

// Subscription one observer registered with a BroadcastHub
type Subscription interface {
	// ID get the subscription ID
	ID() string
	// Events get the delivery channel. It is closed once the subscription is removed.
	Events() <-chan Event
	// Dropped get the number of events discarded, either because the queue was full or
	// because they were still in the unbounded backlog when unsubscribed
	Dropped() uint64
}

// subscriptionImpl implements Subscription
type subscriptionImpl struct {
	common.Component
	id      string
	filter  FilterFunc
	policy  string
	events  chan Event
	dropped uint64
	lock    sync.Mutex
	closed  bool
	// unbounded policy only
	backlog []Event
	signal  chan struct{}
	done    chan struct{}
}

func newSubscription(
	id string, filter FilterFunc, config common.SubscriptionConfig, parent common.Component,
) *subscriptionImpl {
	logTags := parent.CopyLogTags()
	logTags["subscription"] = id
	sub := &subscriptionImpl{
		Component: common.Component{LogTags: logTags},
		id:        id,
		filter:    filter,
		policy:    config.OverflowPolicy,
	}
	if config.OverflowPolicy == common.OverflowUnbounded {
		sub.events = make(chan Event)
		sub.backlog = make([]Event, 0, config.QueueLen)
		sub.signal = make(chan struct{}, 1)
		sub.done = make(chan struct{})
		go sub.pump()
	} else {
		sub.events = make(chan Event, config.QueueLen)
	}
	return sub
}

// ID get the subscription ID
func (s *subscriptionImpl) ID() string {
	return s.id
}

// Events get the delivery channel
func (s *subscriptionImpl) Events() <-chan Event {
	return s.events
}

// Dropped get the number of events discarded
func (s *subscriptionImpl) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// accepts evaluate the subscription filter
func (s *subscriptionImpl) accepts(event Event) bool {
	return s.filter == nil || s.filter(event.EntityID, event.Snapshot)
}

// deliver enqueue an event for the subscriber. This never blocks.
func (s *subscriptionImpl) deliver(event Event) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return
	}
	switch s.policy {
	case common.OverflowUnbounded:
		s.backlog = append(s.backlog, event)
		select {
		case s.signal <- struct{}{}:
		default:
		}
	case common.OverflowDropNewest:
		select {
		case s.events <- event:
		default:
			s.recordDrop(event)
		}
	default:
		// Only this function sends on the channel, and only under the lock, so evicting
		// one entry always makes room.
		for {
			select {
			case s.events <- event:
				return
			default:
			}
			select {
			case evicted := <-s.events:
				s.recordDrop(evicted)
			default:
			}
		}
	}
}

func (s *subscriptionImpl) recordDrop(event Event) {
	total := atomic.AddUint64(&s.dropped, 1)
	log.WithFields(s.LogTags).Debugf("Queue full, dropped %s (%d total)", event, total)
}

// pump move events from the backlog to the delivery channel. The head of the backlog is
// only removed once it has been handed over.
func (s *subscriptionImpl) pump() {
	defer close(s.events)
	for {
		s.lock.Lock()
		if s.closed {
			s.lock.Unlock()
			return
		}
		if len(s.backlog) == 0 {
			s.lock.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		next := s.backlog[0]
		s.lock.Unlock()
		select {
		case s.events <- next:
			s.lock.Lock()
			if s.closed {
				// close() counted this one as discarded
				atomic.AddUint64(&s.dropped, ^uint64(0))
				s.lock.Unlock()
				return
			}
			s.backlog[0] = Event{}
			s.backlog = s.backlog[1:]
			s.lock.Unlock()
		case <-s.done:
			return
		}
	}
}

// close stop accepting new events, and close the delivery channel. For the bounded
// policies, events already queued remain readable. For the unbounded policy, the backlog
// is discarded and counted as dropped.
func (s *subscriptionImpl) close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.policy == common.OverflowUnbounded {
		if discarded := len(s.backlog); discarded > 0 {
			total := atomic.AddUint64(&s.dropped, uint64(discarded))
			log.WithFields(s.LogTags).Debugf(
				"Unsubscribed, discarded %d backlog events (%d total)", discarded, total,
			)
		}
		s.backlog = nil
		close(s.done)
	} else {
		close(s.events)
	}
}
