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
	"time"

	"github.com/alwitt/hassrelay/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to NATS with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// NatsClient NATS core client
type NatsClient struct {
	common.Component
	nc *nats.Conn
}

// Close flush pending publishes and close the NATS client
func (c NatsClient) Close(ctxt context.Context) {
	if err := c.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}

// Publish publish a message on a subject
func (c NatsClient) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

// Connected whether the client is currently connected
func (c NatsClient) Connected() bool {
	return c.nc.IsConnected()
}

// GetNatsClient define a new NATS core client
func GetNatsClient(param NATSConnectParams) (NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "nats-client",
		"instance":  param.ServerURI,
	}
	validate := validator.New()
	if err := validate.Struct(&param); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Invalid NATS connection parameters")
		return NatsClient{}, err
	}
	disconnectCB := param.OnDisconnectCallback
	if disconnectCB == nil {
		disconnectCB = func(_ *nats.Conn, err error) {
			log.WithError(err).WithFields(logTags).Warn("NATS disconnected")
		}
	}
	reconnectCB := param.OnReconnectCallback
	if reconnectCB == nil {
		reconnectCB = func(nc *nats.Conn) {
			log.WithFields(logTags).Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}
	}
	closeCB := param.OnCloseCallback
	if closeCB == nil {
		closeCB = func(_ *nats.Conn) {
			log.WithFields(logTags).Info("NATS connection closed")
		}
	}
	// Create the NATS transport
	nc, err := nats.Connect(
		param.ServerURI,
		nats.Name("hassrelay"),
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
		nats.DisconnectErrHandler(disconnectCB),
		nats.ReconnectHandler(reconnectCB),
		nats.ClosedHandler(closeCB),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return NatsClient{}, err
	}
	log.WithFields(logTags).Info("Created NATS client")

	return NatsClient{
		Component: common.Component{LogTags: logTags},
		nc:        nc,
	}, nil
}
