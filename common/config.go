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

import "github.com/spf13/viper"

// ===============================================================================
// Upstream Related Config

// UpstreamProcessingConfig defines how upstream change events are processed
type UpstreamProcessingConfig struct {
	// Workers is the number of parallel event processing workers. Events for the same
	// entity are always processed by the same worker.
	Workers int `mapstructure:"workers" json:"workers" validate:"gte=1"`
	// QueueLen is the length of each worker's task queue
	QueueLen int `mapstructure:"queue_len" json:"queue_len" validate:"gte=1"`
}

// UpstreamConfig defines parameters for connecting to the Home Assistant server
type UpstreamConfig struct {
	// Server is the Home Assistant host
	Server string `mapstructure:"server" json:"server" validate:"required,hostname_rfc1123|ip"`
	// Port is the Home Assistant port
	Port uint16 `mapstructure:"port" json:"port" validate:"required,gt=0,lt=65536"`
	// UseTLS whether to connect with wss://
	UseTLS bool `mapstructure:"use_tls" json:"use_tls"`
	// APIPath is the path of the WebSocket API
	APIPath string `mapstructure:"api_path" json:"api_path" validate:"required,startswith=/"`
	// ConnectTimeout is the max duration for connecting to the server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Processing defines event processing parameters
	Processing UpstreamProcessingConfig `mapstructure:"processing" json:"processing" validate:"required,dive"`
}

// ===============================================================================
// Downstream Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ReadHeaderTimeout is the maximum duration for reading the request headers in
	// seconds. This bounds how long a client may take to start the WebSocket handshake.
	ReadHeaderTimeout int `mapstructure:"read_header_timeout_sec" json:"read_header_timeout_sec" validate:"gte=1"`
	// WriteTimeout is the maximum duration before timing out writes of a REST response
	// in seconds. It is not applied to WebSocket sessions.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// WebSocketConfig defines the downstream WebSocket endpoint parameters
type WebSocketConfig struct {
	// Path is the URI path clients connect to
	Path string `mapstructure:"path" json:"path" validate:"required,startswith=/"`
	// FilterHeader is the handshake header carrying the comma separated entity IDs
	FilterHeader string `mapstructure:"filter_header" json:"filter_header" validate:"required"`
	// HandshakeTimeout is the max duration for completing the handshake in seconds
	HandshakeTimeout int `mapstructure:"handshake_timeout_sec" json:"handshake_timeout_sec" validate:"gte=1"`
	// WriteTimeout is the max duration for writing one message to a client in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// PingInterval is the interval between keepalive pings in seconds. 0 disables pings.
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=0"`
	// MaxMessageSize is the max size of a message accepted from a client
	MaxMessageSize int64 `mapstructure:"max_message_size" json:"max_message_size" validate:"gte=1"`
}

// Subscription queue overflow policies
const (
	OverflowDropOldest = "drop_oldest"
	OverflowDropNewest = "drop_newest"
	OverflowUnbounded  = "unbounded"
)

// SubscriptionConfig defines the per client delivery queue parameters
type SubscriptionConfig struct {
	// QueueLen is the number of events which can be queued for one client
	QueueLen int `mapstructure:"queue_len" json:"queue_len" validate:"gte=1"`
	// OverflowPolicy is what happens when the queue of a slow client is full
	OverflowPolicy string `mapstructure:"overflow_policy" json:"overflow_policy" validate:"required,oneof=drop_oldest drop_newest unbounded"`
}

// DownstreamConfig defines the client facing server parameters
type DownstreamConfig struct {
	// Listen is the address and port to listen on
	Listen string `mapstructure:"listen" json:"listen" validate:"required,tcp_addr"`
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
	// WebSocket defines the WebSocket endpoint parameters
	WebSocket WebSocketConfig `mapstructure:"websocket" json:"websocket" validate:"required,dive"`
	// Subscription defines the client delivery queue parameters
	Subscription SubscriptionConfig `mapstructure:"subscription" json:"subscription" validate:"required,dive"`
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for relaying entity changes into NATS
type NATSConfig struct {
	// Enabled whether to relay entity changes into NATS
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// SubjectPrefix is prepended to the entity ID to form the publish subject
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Upstream are the Home Assistant connection parameters
	Upstream UpstreamConfig `mapstructure:"upstream" json:"upstream" validate:"required,dive"`
	// Downstream are the client facing server parameters
	Downstream DownstreamConfig `mapstructure:"downstream" json:"downstream" validate:"required,dive"`
	// NATS are the NATS relay parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default upstream settings
	viper.SetDefault("upstream.server", "localhost")
	viper.SetDefault("upstream.port", 8123)
	viper.SetDefault("upstream.use_tls", false)
	viper.SetDefault("upstream.api_path", "/api/websocket")
	viper.SetDefault("upstream.connect_timeout_sec", 30)
	viper.SetDefault("upstream.processing.workers", 4)
	viper.SetDefault("upstream.processing.queue_len", 256)

	// Default downstream settings
	viper.SetDefault("downstream.listen", "[::1]:8080")
	viper.SetDefault("downstream.server_config.read_header_timeout_sec", 10)
	viper.SetDefault("downstream.server_config.write_timeout_sec", 60)
	viper.SetDefault("downstream.server_config.idle_timeout_sec", 600)
	viper.SetDefault("downstream.logging_config.request_id_header", "Hassrelay-Request-ID")
	viper.SetDefault(
		"downstream.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("downstream.websocket.path", "/")
	viper.SetDefault("downstream.websocket.filter_header", "hass-listen-entities")
	viper.SetDefault("downstream.websocket.handshake_timeout_sec", 10)
	viper.SetDefault("downstream.websocket.write_timeout_sec", 10)
	viper.SetDefault("downstream.websocket.ping_interval_sec", 30)
	viper.SetDefault("downstream.websocket.max_message_size", 4096)
	viper.SetDefault("downstream.subscription.queue_len", 256)
	viper.SetDefault("downstream.subscription.overflow_policy", OverflowDropOldest)

	// Default NATS settings
	viper.SetDefault("nats.enabled", false)
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.subject_prefix", "hass.state")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
}
