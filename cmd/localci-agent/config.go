package main

import (
	"github.com/caarlos0/env/v11"

	"github.com/k11v/localci/internal/amqputil"
	"github.com/k11v/localci/internal/apppg"
	"github.com/k11v/localci/internal/apps3"
	"github.com/k11v/localci/internal/buildagent"
)

// config holds the application configuration.
type config struct {
	Development bool `env:"LOCALCI_DEVELOPMENT"`

	Agent    buildagent.Config       `envPrefix:"LOCALCI_AGENT_"`
	Docker   buildagent.DockerConfig `envPrefix:"LOCALCI_DOCKER_"`
	Postgres apppg.Config            `envPrefix:"LOCALCI_POSTGRES_"`
	AMQP     amqputil.Config         `envPrefix:"LOCALCI_AMQP_"`
	S3       apps3.Config            `envPrefix:"LOCALCI_S3_"`
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
