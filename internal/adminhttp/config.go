package adminhttp

import (
	"time"
)

// Config is parsed with the LOCALCI_ADMIN_ prefix.
type Config struct {
	Host                   string        `env:"HOST"` // default: "127.0.0.1"
	Port                   int           `env:"PORT"` // default: 8081
	ReadHeaderTimeout      time.Duration `env:"READ_HEADER_TIMEOUT"`
	JWTVerificationKeyFile string        `env:"JWT_VERIFICATION_KEY_FILE"` // the admin API is disabled when empty
}

func (c *Config) host() string {
	h := c.Host
	if h == "" {
		h = "127.0.0.1"
	}
	return h
}

func (c *Config) port() int {
	p := c.Port
	if p == 0 {
		p = 8081
	}
	return p
}
