package main

import (
	"github.com/caarlos0/env/v11"

	"github.com/k11v/localci/internal/apppg"
	"github.com/k11v/localci/internal/apps3"
	"github.com/k11v/localci/internal/gitserver"
)

// config holds the application configuration.
type config struct {
	Postgres apppg.Config     `envPrefix:"LOCALCI_POSTGRES_"`
	S3       apps3.Config     `envPrefix:"LOCALCI_S3_"`
	Git      gitserver.Config `envPrefix:"LOCALCI_GIT_"`
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
