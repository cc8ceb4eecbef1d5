package irisgo

import (
	"time"

	env "github.com/Netflix/go-env"
)

// Config holds connection parameters. The zero values of the optional fields
// are replaced with the documented defaults by New.
type Config struct {
	// IrisURL is the bridge base URL (e.g. "http://10.0.2.2:3000"). The
	// streaming endpoint is derived from it by scheme translation plus /ws.
	IrisURL string `env:"IRIS_URL,required=true"`

	// MaxWorkers bounds concurrent handler execution on the event bus.
	MaxWorkers int `env:"MAX_WORKERS,default=8"`

	// ReconnectDelay is the fixed wait between reconnect attempts. There is
	// no backoff and no retry cap; the client runs unattended and never
	// gives up.
	ReconnectDelay time.Duration `env:"RECONNECT_DELAY,default=3s"`

	// HTTPTimeout applies to every bridge HTTP call.
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT,default=30s"`

	// LogLevel is consumed by the binary wiring, not the SDK itself.
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

// ConfigFromEnv reads Config from the process environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
