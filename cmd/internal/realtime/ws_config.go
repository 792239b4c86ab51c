package realtime

import "time"

const (
	defaultWriteTimeout      = 5 * time.Second
	defaultReadIdleTimeout   = 10 * time.Minute
	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	defaultMaxFrameBytes     = 64 << 10
)

// GatewayConfig tunes the websocket gateway. Fields carry env tags so the app
// config can embed it under the AGORA_WS_ prefix.
type GatewayConfig struct {
	// DevInsecure disables every origin check of websocket.Accept. Dev only.
	DevInsecure bool `env:"DEV_INSECURE" envDefault:"false"`

	OriginRequired bool     `env:"ORIGIN_REQUIRED" envDefault:"true"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost,http://127.0.0.1"`

	// AllowDevIdentity lets hello.user_id identify a session without a token.
	AllowDevIdentity bool `env:"ALLOW_DEV_IDENTITY" envDefault:"false"`

	SendQueueSize     int           `env:"SEND_QUEUE" envDefault:"256"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"5s"`
	ReadIdleTimeout   time.Duration `env:"READ_IDLE_TIMEOUT" envDefault:"10m"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"25s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"5s"`
	RateEvents        int           `env:"RATE_EVENTS" envDefault:"120"`
	RateWindow        time.Duration `env:"RATE_WINDOW" envDefault:"10s"`
	MaxFrameBytes     int64         `env:"MAX_FRAME_BYTES" envDefault:"65536"`
}

// withDefaults fills zero numeric fields. Booleans and origins are taken as given.
func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = defaultReadIdleTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = defaultRateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = defaultRateWindow
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = defaultMaxFrameBytes
	}
	return c
}
