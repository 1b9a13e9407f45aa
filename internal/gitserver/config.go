package gitserver

import (
	"time"
)

// Config is the smart HTTP configuration, parsed with the LOCALCI_GIT_ prefix.
type Config struct {
	Host              string        `env:"HOST"`                // default: "127.0.0.1"
	Port              int           `env:"PORT"`                // default: 8080
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT"` // default: 10s
	RepositoriesPath  string        `env:"REPOSITORIES_PATH"`   // default: "repositories"
	AgentUser         string        `env:"AGENT_USER"`          // build agent user, disabled when empty
	AgentPassword     string        `env:"AGENT_PASSWORD"`
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
		p = 8080
	}
	return p
}

func (c *Config) readHeaderTimeout() time.Duration {
	t := c.ReadHeaderTimeout
	if t == 0 {
		t = 10 * time.Second
	}
	return t
}

// RepositoriesDir returns the repositories base path.
func (c *Config) RepositoriesDir() string {
	p := c.RepositoriesPath
	if p == "" {
		p = "repositories"
	}
	return p
}

// SSHConfig is parsed with the LOCALCI_SSH_ prefix.
type SSHConfig struct {
	Host        string `env:"HOST"`          // default: "127.0.0.1"
	Port        int    `env:"PORT"`          // default: 7921
	HostKeyFile string `env:"HOST_KEY_FILE"` // default: "ssh_host_ed25519_key", created when missing
}

func (c *SSHConfig) host() string {
	h := c.Host
	if h == "" {
		h = "127.0.0.1"
	}
	return h
}

func (c *SSHConfig) port() int {
	p := c.Port
	if p == 0 {
		p = 7921
	}
	return p
}

func (c *SSHConfig) hostKeyFile() string {
	f := c.HostKeyFile
	if f == "" {
		f = "ssh_host_ed25519_key"
	}
	return f
}
