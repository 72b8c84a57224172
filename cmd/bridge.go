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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/hassrelay/apis"
	"github.com/alwitt/hassrelay/common"
	"github.com/alwitt/hassrelay/core"
	"github.com/alwitt/hassrelay/dataplane"
	"github.com/alwitt/hassrelay/dispatch"
	"github.com/alwitt/hassrelay/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v2"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// BridgeCLIArgs arguments
type BridgeCLIArgs struct {
	// Listen address for the downstream server
	Listen string `validate:"omitempty,tcp_addr"`
	// HassServer Home Assistant host
	HassServer string
	// HassPort Home Assistant port
	HassPort int `validate:"gte=0,lt=65536"`
	// HassToken Home Assistant long lived access token
	HassToken string `json:"-" validate:"required"`
}

// Names of the bridge CLI flags
const (
	FlagListen     = "listen"
	FlagHassServer = "hass-server"
	FlagHassPort   = "hass-port"
	FlagHassToken  = "hass-token"
)

// GetBridgeCLIFlags retrieve the set of CMD flags for the bridge server
func GetBridgeCLIFlags(args *BridgeCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        FlagListen,
			Usage:       "Address and port to serve WebSocket clients on",
			EnvVars:     []string{"LISTEN"},
			Value:       "[::1]:8080",
			DefaultText: "[::1]:8080",
			Destination: &args.Listen,
			Required:    false,
		},
		// Upstream related
		&cli.StringFlag{
			Name:        FlagHassServer,
			Usage:       "Home Assistant host",
			Aliases:     []string{"s"},
			EnvVars:     []string{"HASS_SERVER"},
			Value:       "localhost",
			DefaultText: "localhost",
			Destination: &args.HassServer,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        FlagHassPort,
			Usage:       "Home Assistant port",
			Aliases:     []string{"p"},
			EnvVars:     []string{"HASS_PORT"},
			Value:       8123,
			DefaultText: "8123",
			Destination: &args.HassPort,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        FlagHassToken,
			Usage:       "Home Assistant long lived access token",
			Aliases:     []string{"t"},
			EnvVars:     []string{"HASS_TOKEN"},
			Destination: &args.HassToken,
			Required:    true,
		},
	}
}

/*
ApplyBridgeCLIArgs apply the CLI arguments which were explicitly set on top of the config.

 @param args BridgeCLIArgs - parsed CLI arguments
 @param isSet func(string) bool - whether a flag was set on the command line or environment
 @param config *common.SystemConfig - config to update
*/
func ApplyBridgeCLIArgs(
	args BridgeCLIArgs, isSet func(name string) bool, config *common.SystemConfig,
) error {
	validate := validator.New()
	if err := validate.Struct(&args); err != nil {
		return err
	}
	if isSet(FlagListen) {
		config.Downstream.Listen = args.Listen
	}
	if isSet(FlagHassServer) {
		config.Upstream.Server = args.HassServer
	}
	if isSet(FlagHassPort) {
		if args.HassPort <= 0 {
			return fmt.Errorf("invalid Home Assistant port %d", args.HassPort)
		}
		config.Upstream.Port = uint16(args.HassPort)
	}
	return validate.Struct(config)
}

// defineNatsRelay connect to NATS, and relay entity changes from the hub
func defineNatsRelay(
	config common.NATSConfig, instance string, hub dispatch.BroadcastHub, logTags log.Fields,
) (core.NatsClient, dataplane.NatsRelay, error) {
	natsClient, err := core.GetNatsClient(core.NATSConnectParams{
		ServerURI:           config.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(config.ConnectTimeout),
		MaxReconnectAttempt: config.Reconnect.MaxAttempts,
		ReconnectWait:       time.Second * time.Duration(config.Reconnect.WaitInterval),
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			if e != nil {
				log.WithError(e).WithFields(logTags).Error(
					"NATS relay disconnected with failure",
				)
			}
		},
		OnReconnectCallback: func(nc *nats.Conn) {
			log.WithFields(logTags).Infof("NATS relay reconnected to %s", nc.ConnectedUrl())
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Warn("NATS relay connection closed, no more events relayed")
		},
	})
	if err != nil {
		return core.NatsClient{}, nil, err
	}
	relay, err := dataplane.GetNatsRelay(instance, config.SubjectPrefix, natsClient, hub)
	if err != nil {
		natsClient.Close(context.Background())
		return core.NatsClient{}, nil, err
	}
	return natsClient, relay, nil
}

/*
RunBridgeServer run the bridge. The upstream connection is established and the entity
states loaded before the server starts accepting clients. Returns when the runtime context
ends, with nil, or when the upstream connection is lost, with an error.

 @param runtimeContext context.Context - runtime context
 @param config common.SystemConfig - system config
 @param token string - Home Assistant access token
 @param instance string - instance name
 @param wg *sync.WaitGroup - wait group for supporting goroutines
*/
func RunBridgeServer(
	runtimeContext context.Context,
	config common.SystemConfig,
	token string,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "bridge",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runtimeContext)
	defer lclCancel()

	cache := storage.GetMemoryStateCache(instance)
	hub, err := dispatch.GetBroadcastHub(instance, config.Downstream.Subscription)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcast hub")
		return err
	}

	// -------------------------------------------------------------------
	// Connect to Home Assistant

	connector, err := dataplane.GetUpstreamConnector(
		instance,
		dataplane.HassDialerFromParams(core.HassConnectParams{
			Server:         config.Upstream.Server,
			Port:           config.Upstream.Port,
			UseTLS:         config.Upstream.UseTLS,
			APIPath:        config.Upstream.APIPath,
			ConnectTimeout: time.Second * time.Duration(config.Upstream.ConnectTimeout),
		}),
		token,
		cache,
		hub,
		config.Upstream.Processing,
		localCtxt,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define upstream connector")
		return err
	}
	defer func() {
		_ = connector.Stop()
	}()
	if err := connector.Connect(localCtxt); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start upstream connection")
		return err
	}

	// -------------------------------------------------------------------
	// Optional NATS relay

	readinessLinks := []apis.ReadinessLink{}
	if config.NATS.Enabled {
		natsClient, relay, err := defineNatsRelay(config.NATS, instance, hub, logTags)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to define NATS relay with %s", config.NATS.ServerURI,
			)
			return err
		}
		if err := relay.Start(localCtxt, wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start NATS relay")
			natsClient.Close(localCtxt)
			return err
		}
		defer func() {
			_ = relay.Stop()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
			defer cancel()
			natsClient.Close(ctx)
		}()
		readinessLinks = append(
			readinessLinks, apis.ReadinessLink{Name: "nats", Link: natsClient},
		)
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	restHandler, err := apis.GetAPIRestEntityHandler(
		cache, connector, &config.Downstream.Logging, readinessLinks...,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define REST handler")
		return err
	}
	wsHandler, err := apis.GetWebSocketHandler(
		localCtxt,
		cache,
		hub,
		config.Downstream.WebSocket,
		&config.Downstream.Logging,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define WebSocket handler")
		return err
	}
	router := apis.DefineBridgeRouter(restHandler, wsHandler)

	serverCfg := config.Downstream.Server
	httpSrv := &http.Server{
		Addr:              config.Downstream.Listen,
		ReadHeaderTimeout: time.Second * time.Duration(serverCfg.ReadHeaderTimeout),
		WriteTimeout:      time.Second * time.Duration(serverCfg.WriteTimeout),
		IdleTimeout:       time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:           h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown. Active WebSocket sessions end with it.
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	serverErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			serverErr <- err
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", config.Downstream.Listen)

	// ============================================================================

	var result error
	select {
	case <-runtimeContext.Done():
		log.WithFields(logTags).Info("Shutting down")
	case <-connector.Done():
		result = connector.Err()
		if result == nil && runtimeContext.Err() == nil {
			result = dataplane.ErrUpstreamTerminated
		}
		if result != nil {
			log.WithError(result).WithFields(logTags).Error("Upstream connection ended")
		}
	case err := <-serverErr:
		result = fmt.Errorf("HTTP server: %w", err)
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return result
}
