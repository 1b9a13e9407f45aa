// Command localci-ctl inspects the build queue through the admin API.
package main

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"github.com/k11v/localci/internal/adminhttp"
)

// config holds the defaults of the global flags.
type config struct {
	URL   string `env:"LOCALCI_ADMIN_URL" envDefault:"http://127.0.0.1:8081"`
	Token string `env:"LOCALCI_ADMIN_TOKEN"`
}

func main() {
	var cfg config
	err := env.ParseWithOptions(&cfg, env.Options{Environment: env.ToMap(os.Environ())})
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:           "localci-ctl",
		Short:         "Inspect LocalCI build jobs, agents and results",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfg.URL, "url", cfg.URL, "admin API base URL")
	rootCmd.PersistentFlags().StringVar(&cfg.Token, "token", cfg.Token, "admin API bearer token")

	client := func() (*adminhttp.Client, error) {
		if cfg.Token == "" {
			return nil, fmt.Errorf("missing token, set --token or LOCALCI_ADMIN_TOKEN")
		}
		return adminhttp.NewClient(cfg.URL, cfg.Token)
	}

	rootCmd.AddCommand(queuedCmd(client))
	rootCmd.AddCommand(runningCmd(client))
	rootCmd.AddCommand(agentsCmd(client))
	rootCmd.AddCommand(resultCmd(client))
	rootCmd.AddCommand(logCmd(client))
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(keygenCmd())

	if err = rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
