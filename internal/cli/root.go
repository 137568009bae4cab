// Package cli implements the lcr command: the routing service and the
// administrative commands over the configuration store.
package cli

import (
	"context"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hamzaKhattat/asterisk-lcr-router/internal/carrier"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/config"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/db"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/logging"
)

const version = "1.0.0"

// app carries state shared by the commands of one invocation.
type app struct {
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
	db     *db.DB
	store  *carrier.Manager
}

// Execute runs the command line with args, writing to out.
func Execute(ctx context.Context, args []string, out io.Writer) error {
	a := &app{}
	defer a.close()

	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)
	return root.ExecuteContext(ctx)
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "lcr",
		Short: "Least-cost routing for Asterisk",
		Long: `Least-cost routing for Asterisk

Resolves outbound destinations into ordered carrier dial sequences, monitors
gateway health and drives failover between carriers.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.loadConfig(cmd.Name() == "serve")
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "configs/lcr.yaml", "configuration file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log store operations")

	root.AddCommand(
		a.serveCommand(),
		a.initDBCommand(),
		a.carrierCommand(),
		a.gatewayCommand(),
		a.profileCommand(),
		a.routeCommand(),
		a.resolveCommand(),
		a.healthCommand(),
		a.cacheCommand(),
	)
	return root
}

// loadConfig reads configuration. Only the service logs by default; admin
// commands keep stdout for their own output unless --verbose is set.
func (a *app) loadConfig(service bool) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	if service || a.verbose {
		a.logger = logging.New(cfg.Log.Level, cfg.Log.Format)
	} else {
		a.logger = zap.NewNop()
	}
	return nil
}

// openStore connects to the configuration store and loads a snapshot.
func (a *app) openStore(ctx context.Context) (*carrier.Manager, error) {
	if a.store != nil {
		return a.store, nil
	}
	conn, err := db.Open(ctx, a.cfg.Database.Driver, a.cfg.Database.DSN())
	if err != nil {
		return nil, err
	}
	a.db = conn
	a.store = carrier.NewManager(conn, a.logger)
	if err := a.store.Load(ctx); err != nil {
		return nil, err
	}
	return a.store, nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
	if a.logger != nil {
		a.logger.Sync()
	}
}

func success(w io.Writer, format string, args ...any) {
	color.New(color.FgGreen).Fprintf(w, "✓ "+format+"\n", args...)
}

func warn(w io.Writer, format string, args ...any) {
	color.New(color.FgYellow).Fprintf(w, format+"\n", args...)
}
