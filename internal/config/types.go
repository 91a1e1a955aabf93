package config

import "time"

// Config represents the main configuration structure
type Config struct {
	Host             string          `json:"host"`
	Port             int             `json:"port"`
	LogLevel         string          `json:"logLevel"`
	UpstreamWSURL    string          `json:"upstreamWsUrl"`
	HandshakeTimeout int             `json:"handshakeTimeoutMs"` // ms - WebSocket dial handshake timeout
	MessageTimeout   int             `json:"messageTimeoutMs"`   // ms - timeout for receiving messages from upstream
	PingInterval     int             `json:"pingIntervalMs"`     // ms - 0 disables the ping loop
	AckTimeout       int             `json:"ackTimeoutMs"`       // ms - how long to wait for an unsubscribe ack
	SinkBufferSize   int             `json:"sinkBufferSize"`     // events buffered per subscription sink
	MaxSubscriptions int             `json:"maxSubscriptions"`   // 0 means unlimited; otherwise oldest is evicted
	HistorySize      int             `json:"historySize"`        // recent events kept per subscription
	HistorySubs      int             `json:"historySubs"`        // subscriptions tracked in the history LRU
	Reconnect        ReconnectConfig `json:"reconnect"`
}

// ReconnectConfig controls the reconnection supervisor backoff
type ReconnectConfig struct {
	InitialDelay int     `json:"initialDelayMs"`
	MaxDelay     int     `json:"maxDelayMs"`
	Factor       float64 `json:"factor"`
	MaxAttempts  int     `json:"maxAttempts"` // 0 means retry forever
}

// Default values
const (
	DefaultHost             = "localhost"
	DefaultPort             = 8081
	DefaultLogLevel         = "info"
	DefaultUpstreamWSURL    = "wss://api.mainnet-beta.solana.com/"
	DefaultHandshakeTimeout = 10000 // ms
	DefaultMessageTimeout   = 60000 // ms
	DefaultPingInterval     = 30000 // ms
	DefaultAckTimeout       = 5000  // ms
	DefaultSinkBufferSize   = 256
	DefaultMaxSubscriptions = 0
	DefaultHistorySize      = 10
	DefaultHistorySubs      = 1024
	DefaultInitialDelay     = 500   // ms
	DefaultMaxDelay         = 30000 // ms
	DefaultFactor           = 2.0
	DefaultMaxAttempts      = 0
)

// EnvUpstreamWSURL overrides upstreamWsUrl when set in the environment
const EnvUpstreamWSURL = "SOLBRIDGE_UPSTREAM_WS_URL"

// GetHandshakeTimeoutDuration returns the handshake timeout as time.Duration
func (c *Config) GetHandshakeTimeoutDuration() time.Duration {
	return time.Duration(c.HandshakeTimeout) * time.Millisecond
}

// GetMessageTimeoutDuration returns the message timeout as time.Duration
func (c *Config) GetMessageTimeoutDuration() time.Duration {
	return time.Duration(c.MessageTimeout) * time.Millisecond
}

// GetPingIntervalDuration returns the ping interval as time.Duration
func (c *Config) GetPingIntervalDuration() time.Duration {
	return time.Duration(c.PingInterval) * time.Millisecond
}

// GetAckTimeoutDuration returns the unsubscribe ack timeout as time.Duration
func (c *Config) GetAckTimeoutDuration() time.Duration {
	return time.Duration(c.AckTimeout) * time.Millisecond
}

// GetInitialDelayDuration returns the initial reconnect delay as time.Duration
func (r *ReconnectConfig) GetInitialDelayDuration() time.Duration {
	return time.Duration(r.InitialDelay) * time.Millisecond
}

// GetMaxDelayDuration returns the reconnect delay cap as time.Duration
func (r *ReconnectConfig) GetMaxDelayDuration() time.Duration {
	return time.Duration(r.MaxDelay) * time.Millisecond
}
