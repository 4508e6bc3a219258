// Command ledgerctl is the operator tool for the ledger database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"splitledger/internal/cli"
	"splitledger/internal/config"
	"splitledger/internal/log"
)

var (
	cfg    *config.Config
	logger *log.Logger
)

var rootCmd = &cobra.Command{
	Use:           "ledgerctl",
	Short:         "Operate the expense ledger: migrations, balances, recalculation, import and export",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		cli.LoadEnvFile()
		var err error
		if cfg, err = cli.LoadConfig(); err != nil {
			return err
		}
		logger = cli.SetupLogger(cfg, log.ComponentApp)
		return nil
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

// openServices opens the configured store and builds the service layer.
// AMQP is left out; commands that publish connect on their own.
func openServices() (*cli.Services, func(), error) {
	store, _, err := cli.OpenStore(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	oracle, err := cli.NewOracle(cfg, logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return cli.NewServices(cfg, store, oracle, nil, logger), func() { store.Close() }, nil
}
