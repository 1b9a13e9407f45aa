package main

import (
	"github.com/caarlos0/env/v11"

	"github.com/k11v/localci/internal/adminhttp"
	"github.com/k11v/localci/internal/amqputil"
	"github.com/k11v/localci/internal/apppg"
	"github.com/k11v/localci/internal/apps3"
	"github.com/k11v/localci/internal/gitserver"
	"github.com/k11v/localci/internal/platform/platformhttp"
)

// config holds the application configuration.
type config struct {
	Development bool `env:"LOCALCI_DEVELOPMENT"`

	// PlatformFile is a YAML platform directory used when the platform URL is empty.
	PlatformFile string `env:"LOCALCI_PLATFORM_FILE"`

	Postgres apppg.Config        `envPrefix:"LOCALCI_POSTGRES_"`
	AMQP     amqputil.Config     `envPrefix:"LOCALCI_AMQP_"`
	S3       apps3.Config        `envPrefix:"LOCALCI_S3_"`
	Git      gitserver.Config    `envPrefix:"LOCALCI_GIT_"`
	SSH      gitserver.SSHConfig `envPrefix:"LOCALCI_SSH_"`
	Admin    adminhttp.Config    `envPrefix:"LOCALCI_ADMIN_"`
	Platform platformhttp.Config `envPrefix:"LOCALCI_PLATFORM_"`
}

// parseConfig parses the application configuration from the environment variables.
func parseConfig(environ []string) (*config, error) {
	var cfg config

	err := env.ParseWithOptions(&cfg, env.Options{
		Environment: env.ToMap(environ),
	})
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
