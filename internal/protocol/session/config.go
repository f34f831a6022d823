package session

import "time"

const (
	// MinDeadClientAfter is the floor for the idle reclaim timeout.
	MinDeadClientAfter = 5 * time.Second

	DefaultMaxFrameBytes = 1024*1024 - 64
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transport/session reliability defaults.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	FrameReadTimeout time.Duration
	WriteTimeout     time.Duration
	MaxFrameBytes    int

	// KeepalivePoll is how often the lifecycle loop re-evaluates health.
	KeepalivePoll time.Duration
	// RequireChattyClients makes the server reclaim peers idle past DeadClientAfter.
	RequireChattyClients bool
	DeadClientAfter      time.Duration
	// PingInterval makes the local side send ping when it has been quiet this long.
	PingInterval time.Duration

	// CloseGrace is the wait between closing the transport and cancelling the receiver.
	CloseGrace time.Duration

	Backoff BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       5 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		FrameReadTimeout:     15 * time.Second,
		WriteTimeout:         15 * time.Second,
		MaxFrameBytes:        DefaultMaxFrameBytes,
		KeepalivePoll:        5 * time.Second,
		RequireChattyClients: false,
		DeadClientAfter:      60 * time.Second,
		PingInterval:         0,
		CloseGrace:           250 * time.Millisecond,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig and clamps DeadClientAfter.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.FrameReadTimeout <= 0 {
		c.FrameReadTimeout = def.FrameReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.KeepalivePoll <= 0 {
		c.KeepalivePoll = def.KeepalivePoll
	}
	if c.DeadClientAfter <= 0 {
		c.DeadClientAfter = def.DeadClientAfter
	}
	if c.DeadClientAfter < MinDeadClientAfter {
		c.DeadClientAfter = MinDeadClientAfter
	}
	if c.CloseGrace < 0 {
		c.CloseGrace = 0
	}
	if c.Backoff.InitialDelay <= 0 && c.Backoff.MaxDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}
