package buildagent

import (
	"os"
	"time"
)

// Config is parsed with the LOCALCI_AGENT_ prefix.
type Config struct {
	Name                 string        `env:"NAME"`                  // default: host name
	Address              string        `env:"ADDRESS"`               // shown in the agent registry
	Capacity             int           `env:"CAPACITY"`              // default: 1
	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL"`    // default: 10s
	HeartbeatTimeout     time.Duration `env:"HEARTBEAT_TIMEOUT"`     // default: 1m
	PollInterval         time.Duration `env:"POLL_INTERVAL"`         // default: 5s
	HousekeepingInterval time.Duration `env:"HOUSEKEEPING_INTERVAL"` // default: 1m
	BuildTimeout         time.Duration `env:"BUILD_TIMEOUT"`         // default: 2m, used when a job has none
	MaxBuildTimeout      time.Duration `env:"MAX_BUILD_TIMEOUT"`     // default: 4m
	StepTimeout          time.Duration `env:"STEP_TIMEOUT"`          // default: 5m, for image pulls, checkouts and copies
	StaleContainerAge    time.Duration `env:"STALE_CONTAINER_AGE"`   // default: 5m, never below MaxBuildTimeout
	ImageRetention       time.Duration `env:"IMAGE_RETENTION"`       // default: 168h
	WorkDir              string        `env:"WORK_DIR"`              // default: os.TempDir()
	GatewayURL           string        `env:"GATEWAY_URL"`           // default: "http://127.0.0.1:8080"
	GitUser              string        `env:"GIT_USER"`              // default: "build-agent"
	GitPassword          string        `env:"GIT_PASSWORD"`

	CPUs         float64 `env:"CPUS"`           // 0 means unlimited
	MemoryMB     int64   `env:"MEMORY_MB"`      // 0 means unlimited
	MemorySwapMB int64   `env:"MEMORY_SWAP_MB"` // 0 means twice MemoryMB
	PidsLimit    int64   `env:"PIDS_LIMIT"`     // 0 means unlimited
	Network      string  `env:"NETWORK"`        // default: "none"
}

func (c *Config) name() string {
	if c.Name != "" {
		return c.Name
	}
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "agent"
	}
	return h
}

func (c *Config) capacity() int {
	if c.Capacity <= 0 {
		return 1
	}
	return c.Capacity
}

func (c *Config) heartbeatInterval() time.Duration {
	if c.HeartbeatInterval == 0 {
		return 10 * time.Second
	}
	return c.HeartbeatInterval
}

func (c *Config) heartbeatTimeout() time.Duration {
	if c.HeartbeatTimeout == 0 {
		return time.Minute
	}
	return c.HeartbeatTimeout
}

func (c *Config) pollInterval() time.Duration {
	if c.PollInterval == 0 {
		return 5 * time.Second
	}
	return c.PollInterval
}

func (c *Config) housekeepingInterval() time.Duration {
	if c.HousekeepingInterval == 0 {
		return time.Minute
	}
	return c.HousekeepingInterval
}

func (c *Config) buildTimeout() time.Duration {
	if c.BuildTimeout == 0 {
		return 2 * time.Minute
	}
	return min(c.BuildTimeout, c.maxBuildTimeout())
}

func (c *Config) maxBuildTimeout() time.Duration {
	if c.MaxBuildTimeout == 0 {
		return 4 * time.Minute
	}
	return c.MaxBuildTimeout
}

func (c *Config) stepTimeout() time.Duration {
	if c.StepTimeout == 0 {
		return 5 * time.Minute
	}
	return c.StepTimeout
}

func (c *Config) staleContainerAge() time.Duration {
	a := c.StaleContainerAge
	if a == 0 {
		a = 5 * time.Minute
	}
	return max(a, c.maxBuildTimeout())
}

func (c *Config) imageRetention() time.Duration {
	if c.ImageRetention == 0 {
		return 7 * 24 * time.Hour
	}
	return c.ImageRetention
}

func (c *Config) workDir() string {
	if c.WorkDir == "" {
		return os.TempDir()
	}
	return c.WorkDir
}

func (c *Config) gatewayURL() string {
	if c.GatewayURL == "" {
		return "http://127.0.0.1:8080"
	}
	return c.GatewayURL
}

func (c *Config) gitUser() string {
	if c.GitUser == "" {
		return "build-agent"
	}
	return c.GitUser
}

func (c *Config) network() string {
	if c.Network == "" {
		return "none"
	}
	return c.Network
}

// limits returns the resource limits of build containers.
func (c *Config) limits() Limits {
	l := Limits{
		NanoCPUs:  int64(c.CPUs * 1e9),
		Memory:    c.MemoryMB << 20,
		PidsLimit: c.PidsLimit,
		Network:   c.network(),
	}
	if c.MemorySwapMB != 0 {
		l.MemorySwap = c.MemorySwapMB << 20
	}
	return l
}

// DockerConfig is parsed with the LOCALCI_DOCKER_ prefix.
type DockerConfig struct {
	Host string `env:"HOST"` // default: DOCKER_HOST or the platform's default socket
}
