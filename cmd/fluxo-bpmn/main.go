// Command fluxo-bpmn runs the engine-side HTTP API, an external task worker
// or administrative tasks against the process store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/petrijr/fluxo-bpmn/internal/config"
	"github.com/petrijr/fluxo-bpmn/internal/iam"
	"github.com/petrijr/fluxo-bpmn/internal/logging"
	"github.com/petrijr/fluxo-bpmn/internal/persistence"
	"github.com/petrijr/fluxo-bpmn/pkg/api"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootFlags are shared by every subcommand.
var rootFlags = []string{"log.level", "log.encoding", "database.driver", "database.dsn"}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:           "fluxo-bpmn",
		Short:         "Durable execution layer of the fluxo BPMN engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	fs := cmd.PersistentFlags()
	fs.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("log-encoding", "console", "log encoding (console or json)")
	fs.String("database-driver", "sqlite", "database driver (sqlite or postgres)")
	fs.String("database-dsn", "", "database connection string")

	cmd.AddCommand(
		newServeCmd(&cfgFile),
		newWorkerCmd(&cfgFile),
		newMigrateCmd(&cfgFile),
		newModelCmd(&cfgFile),
	)
	return cmd
}

// env is what every command needs after configuration has been loaded.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

func loadEnv(cmd *cobra.Command, cfgFile string, keys ...string) (*env, error) {
	v := config.New(cfgFile)
	if err := config.BindFlags(v, cmd.Flags(), append(rootFlags, keys...)...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	logger, _, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger}, nil
}

func (e *env) openStore() (*persistence.SQLStore, error) {
	return persistence.Open(e.cfg.Database.Driver, e.cfg.Database.DSN, e.cfg.Database.MaxOpenConns, e.logger)
}

func (e *env) authorizer() api.Authorizer {
	if len(e.cfg.IAM.Claims) == 0 {
		e.logger.Warn("no iam.claims configured, every authenticated caller holds every claim")
		return iam.AllowAll{}
	}
	return iam.NewClaimAuthorizer(e.cfg.IAM.Claims)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
