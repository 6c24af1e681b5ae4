package tunnel

import (
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultRetryDelay is the fixed pause between upstream connection attempts.
const DefaultRetryDelay = 2 * time.Second

type Config struct {
	// RetryDelay is the pause after an upstream close or failed dial
	// before the next attempt. Zero means DefaultRetryDelay.
	RetryDelay time.Duration

	// Log defaults to logrus.StandardLogger().
	Log logrus.FieldLogger
}

func (c Config) withDefaults() Config {
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	return c
}
