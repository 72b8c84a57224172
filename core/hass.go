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

package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/alwitt/hassrelay/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

// ErrHassAuthRejected Home Assistant refused the access token
var ErrHassAuthRejected = errors.New("home assistant rejected the access token")

// ErrHassClientClosed the client connection is no longer usable
var ErrHassClientClosed = errors.New("home assistant client connection closed")

// Home Assistant WebSocket message types
const (
	hassMsgAuthRequired    = "auth_required"
	hassMsgAuth            = "auth"
	hassMsgAuthOK          = "auth_ok"
	hassMsgAuthInvalid     = "auth_invalid"
	hassMsgResult          = "result"
	hassMsgEvent           = "event"
	hassMsgPong            = "pong"
	hassCmdGetStates       = "get_states"
	hassCmdSubscribeEvents = "subscribe_events"
	hassEventStateChanged  = "state_changed"
)

// HassContext the Home Assistant context of a state change
type HassContext struct {
	ID       string  `json:"id"`
	ParentID *string `json:"parent_id"`
	UserID   *string `json:"user_id"`
}

// HassEntity a Home Assistant entity state object
type HassEntity struct {
	EntityID    string                     `json:"entity_id"`
	State       string                     `json:"state"`
	LastChanged json.RawMessage            `json:"last_changed"`
	LastUpdated json.RawMessage            `json:"last_updated"`
	Attributes  map[string]json.RawMessage `json:"attributes"`
	Context     *HassContext               `json:"context"`
}

// HassStateChange payload of a Home Assistant "state_changed" event
type HassStateChange struct {
	EntityID string      `json:"entity_id"`
	OldState *HassEntity `json:"old_state"`
	// NewState is nil when the entity was removed
	NewState *HassEntity `json:"new_state"`
}

// HassStateChangeHandler callback invoked for each state change
type HassStateChangeHandler func(change HassStateChange)

// hassError error block of a failed command result
type hassError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// hassEvent event block of an event message
type hassEvent struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// hassMessage a message received from Home Assistant
type hassMessage struct {
	ID        uint64          `json:"id"`
	Type      string          `json:"type"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result"`
	Error     *hassError      `json:"error"`
	Event     *hassEvent      `json:"event"`
	Message   string          `json:"message"`
	HAVersion string          `json:"ha_version"`
}

// hassAuth the authentication message
type hassAuth struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

// hassCommand a command sent to Home Assistant
type hassCommand struct {
	ID        uint64 `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// HassConnectParams Home Assistant connection parameters
type HassConnectParams struct {
	// Server Home Assistant host name or IP
	Server string `validate:"required"`
	// Port Home Assistant port
	Port uint16 `validate:"required"`
	// UseTLS whether to use "wss"
	UseTLS bool
	// APIPath WebSocket API path
	APIPath string `validate:"required,startswith=/"`
	// ConnectTimeout bound on the dial, the upgrade, and the auth exchange
	ConnectTimeout time.Duration
}

// URL get the WebSocket API URL
func (p HassConnectParams) URL() string {
	scheme := "ws"
	if p.UseTLS {
		scheme = "wss"
	}
	target := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(p.Server, strconv.Itoa(int(p.Port))),
		Path:   p.APIPath,
	}
	return target.String()
}

// HassClient Home Assistant WebSocket API client
type HassClient interface {
	/*
		Authenticate perform the authentication exchange. Must be called before any command.

		 @param ctxt context.Context - context for the exchange
		 @param token string - long lived access token
	*/
	Authenticate(ctxt context.Context, token string) error
	/*
		GetStates fetch the current state of every entity

		 @param ctxt context.Context - context for the command
		 @return the entity states
	*/
	GetStates(ctxt context.Context) ([]HassEntity, error)
	/*
		SubscribeStateChanges subscribe to "state_changed" events. The handler is called from
		the client read loop, once per event, in arrival order.

		 @param ctxt context.Context - context for the command
		 @param handler HassStateChangeHandler - event callback
	*/
	SubscribeStateChanges(ctxt context.Context, handler HassStateChangeHandler) error
	// Done get a channel closed when the connection is lost or closed
	Done() <-chan struct{}
	// Err get the error which terminated the connection
	Err() error
	// Close close the connection
	Close() error
}

// hassClientImpl implements HassClient
type hassClientImpl struct {
	common.Component
	conn           *websocket.Conn
	connectTimeout time.Duration
	writeLock      sync.Mutex
	lock           sync.Mutex
	authenticated  bool
	nextID         uint64
	pending        map[uint64]chan hassMessage
	subscriptions  map[uint64]HassStateChangeHandler
	done           chan struct{}
	terminateOnce  sync.Once
	err            error
}

/*
ConnectHass dial the Home Assistant WebSocket API

 @param ctxt context.Context - context for the dial
 @param params HassConnectParams - connection parameters
 @return client connection
*/
func ConnectHass(ctxt context.Context, params HassConnectParams) (HassClient, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	target := params.URL()
	logTags := log.Fields{
		"module": "core", "component": "hass-client", "instance": target,
	}
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: params.ConnectTimeout,
	}
	dialCtxt := ctxt
	if params.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtxt, cancel = context.WithTimeout(ctxt, params.ConnectTimeout)
		defer cancel()
	}
	conn, resp, err := dialer.DialContext(dialCtxt, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to connect to %s", target)
		return nil, fmt.Errorf("connect to %s: %w", target, err)
	}
	log.WithFields(logTags).Infof("Connected to %s", target)
	return &hassClientImpl{
		Component:      common.Component{LogTags: logTags},
		conn:           conn,
		connectTimeout: params.ConnectTimeout,
		nextID:         1,
		pending:        make(map[uint64]chan hassMessage),
		subscriptions:  make(map[uint64]HassStateChangeHandler),
		done:           make(chan struct{}),
	}, nil
}

// setExchangeDeadline bound a synchronous read by the context and the connect timeout
func (c *hassClientImpl) setExchangeDeadline(ctxt context.Context) {
	deadline := time.Time{}
	if c.connectTimeout > 0 {
		deadline = time.Now().Add(c.connectTimeout)
	}
	if ctxtDeadline, ok := ctxt.Deadline(); ok && (deadline.IsZero() || ctxtDeadline.Before(deadline)) {
		deadline = ctxtDeadline
	}
	_ = c.conn.SetReadDeadline(deadline)
}

func (c *hassClientImpl) readMessage() (hassMessage, error) {
	var msg hassMessage
	err := c.conn.ReadJSON(&msg)
	return msg, err
}

func (c *hassClientImpl) writeMessage(msg interface{}) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if c.connectTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.connectTimeout))
	}
	return c.conn.WriteJSON(msg)
}

// Authenticate perform the authentication exchange
func (c *hassClientImpl) Authenticate(ctxt context.Context, token string) error {
	c.lock.Lock()
	if c.authenticated {
		c.lock.Unlock()
		return fmt.Errorf("already authenticated")
	}
	c.lock.Unlock()

	c.setExchangeDeadline(ctxt)
	greeting, err := c.readMessage()
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Failed to read auth request")
		return fmt.Errorf("read auth request: %w", err)
	}
	if greeting.Type != hassMsgAuthRequired {
		return fmt.Errorf("expected '%s' but got '%s'", hassMsgAuthRequired, greeting.Type)
	}
	if err := c.writeMessage(hassAuth{Type: hassMsgAuth, AccessToken: token}); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Failed to send auth")
		return fmt.Errorf("send auth: %w", err)
	}
	reply, err := c.readMessage()
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Failed to read auth reply")
		return fmt.Errorf("read auth reply: %w", err)
	}
	switch reply.Type {
	case hassMsgAuthOK:
	case hassMsgAuthInvalid:
		log.WithFields(c.LogTags).Errorf("Authentication rejected: %s", reply.Message)
		return ErrHassAuthRejected
	default:
		return fmt.Errorf("unexpected auth reply '%s'", reply.Type)
	}
	_ = c.conn.SetReadDeadline(time.Time{})

	c.lock.Lock()
	c.authenticated = true
	c.lock.Unlock()
	log.WithFields(c.LogTags).Infof("Authenticated with Home Assistant %s", reply.HAVersion)

	go c.readLoop()
	return nil
}

// terminate record the terminal error, fail all pending commands, and close Done
func (c *hassClientImpl) terminate(err error) {
	c.terminateOnce.Do(func() {
		c.lock.Lock()
		c.err = err
		for id, waiter := range c.pending {
			close(waiter)
			delete(c.pending, id)
		}
		c.lock.Unlock()
		close(c.done)
	})
}

// readLoop process every message received after authentication
func (c *hassClientImpl) readLoop() {
	for {
		msg, err := c.readMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.WithError(err).WithFields(c.LogTags).Error("Connection read failed")
			}
			c.terminate(fmt.Errorf("%w: %s", ErrHassClientClosed, err.Error()))
			_ = c.conn.Close()
			return
		}
		switch msg.Type {
		case hassMsgResult:
			c.lock.Lock()
			waiter, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.lock.Unlock()
			if !ok {
				log.WithFields(c.LogTags).Warnf("Result for unknown command %d", msg.ID)
				continue
			}
			waiter <- msg
		case hassMsgEvent:
			c.handleEvent(msg)
		case hassMsgPong:
		default:
			log.WithFields(c.LogTags).Debugf("Ignoring message type '%s'", msg.Type)
		}
	}
}

func (c *hassClientImpl) handleEvent(msg hassMessage) {
	c.lock.Lock()
	handler, ok := c.subscriptions[msg.ID]
	c.lock.Unlock()
	if !ok || msg.Event == nil {
		log.WithFields(c.LogTags).Debugf("Event for unknown subscription %d", msg.ID)
		return
	}
	if msg.Event.EventType != hassEventStateChanged {
		return
	}
	var change HassStateChange
	if err := json.Unmarshal(msg.Event.Data, &change); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Unable to parse state_changed event on subscription %d", msg.ID,
		)
		return
	}
	handler(change)
}

/*
call send a command and wait for its result

 @param ctxt context.Context - context for the command
 @param cmd hassCommand - the command. Its ID is assigned here.
 @param onAssigned func(uint64) - optional, called with the assigned ID before sending
 @return the command result
*/
func (c *hassClientImpl) call(
	ctxt context.Context, cmd hassCommand, onAssigned func(id uint64),
) (hassMessage, error) {
	c.lock.Lock()
	if !c.authenticated {
		c.lock.Unlock()
		return hassMessage{}, fmt.Errorf("not authenticated")
	}
	if c.err != nil {
		err := c.err
		c.lock.Unlock()
		return hassMessage{}, err
	}
	cmd.ID = c.nextID
	c.nextID++
	waiter := make(chan hassMessage, 1)
	c.pending[cmd.ID] = waiter
	if onAssigned != nil {
		onAssigned(cmd.ID)
	}
	c.lock.Unlock()

	cleanup := func() {
		c.lock.Lock()
		delete(c.pending, cmd.ID)
		c.lock.Unlock()
	}

	if err := c.writeMessage(cmd); err != nil {
		cleanup()
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to send '%s'", cmd.Type)
		return hassMessage{}, fmt.Errorf("send %s: %w", cmd.Type, err)
	}

	select {
	case reply, ok := <-waiter:
		if !ok {
			return hassMessage{}, c.Err()
		}
		if !reply.Success {
			if reply.Error != nil {
				return reply, fmt.Errorf(
					"%s failed: %s (%s)", cmd.Type, reply.Error.Message, reply.Error.Code,
				)
			}
			return reply, fmt.Errorf("%s failed", cmd.Type)
		}
		return reply, nil
	case <-ctxt.Done():
		cleanup()
		return hassMessage{}, ctxt.Err()
	}
}

// GetStates fetch the current state of every entity
func (c *hassClientImpl) GetStates(ctxt context.Context) ([]HassEntity, error) {
	reply, err := c.call(ctxt, hassCommand{Type: hassCmdGetStates}, nil)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("get_states failed")
		return nil, err
	}
	var entities []HassEntity
	if err := json.Unmarshal(reply.Result, &entities); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to parse get_states result")
		return nil, fmt.Errorf("parse get_states result: %w", err)
	}
	log.WithFields(c.LogTags).Debugf("Fetched %d entity states", len(entities))
	return entities, nil
}

// SubscribeStateChanges subscribe to "state_changed" events
func (c *hassClientImpl) SubscribeStateChanges(
	ctxt context.Context, handler HassStateChangeHandler,
) error {
	if handler == nil {
		return fmt.Errorf("no state change handler given")
	}
	// The subscription ID is the command ID. The handler is registered before the command
	// is sent so no event can arrive ahead of it.
	var subscriptionID uint64
	_, err := c.call(
		ctxt,
		hassCommand{Type: hassCmdSubscribeEvents, EventType: hassEventStateChanged},
		func(id uint64) {
			subscriptionID = id
			c.subscriptions[id] = handler
		},
	)
	if err != nil {
		if subscriptionID != 0 {
			c.lock.Lock()
			delete(c.subscriptions, subscriptionID)
			c.lock.Unlock()
		}
		log.WithError(err).WithFields(c.LogTags).Error("Failed to subscribe to state changes")
		return err
	}
	log.WithFields(c.LogTags).Infof("Subscribed to state changes as %d", subscriptionID)
	return nil
}

// Done get a channel closed when the connection is lost or closed
func (c *hassClientImpl) Done() <-chan struct{} {
	return c.done
}

// Err get the error which terminated the connection
func (c *hassClientImpl) Err() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.err
}

// Close close the connection
func (c *hassClientImpl) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	c.writeLock.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeLock.Unlock()
	c.terminate(ErrHassClientClosed)
	return c.conn.Close()
}
