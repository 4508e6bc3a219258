package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"splitledger/internal/core"
	"splitledger/internal/export/sheets"
)

var exportGroup string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export outstanding balances to Google Sheets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !cfg.SheetsExportEnabled() {
			return errors.New("GOOGLE_SPREADSHEET_ID is not set")
		}
		creds, err := cfg.GoogleCredentials()
		if err != nil {
			return err
		}

		svc, closeFn, err := openServices()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx := cmd.Context()
		var scopes []core.Scope
		if exportGroup != "" {
			s, err := parseScope(exportGroup)
			if err != nil {
				return err
			}
			scopes = []core.Scope{s}
		} else if scopes, err = svc.Expenses.Scopes(ctx); err != nil {
			return err
		}

		var all []core.Balance
		for _, s := range scopes {
			rows, err := svc.Expenses.ScopeBalances(ctx, s)
			if err != nil {
				return err
			}
			all = append(all, rows...)
		}

		exporter, err := sheets.New(ctx, cfg.GoogleSpreadsheetID, cfg.GoogleSheetName, creds, logger)
		if err != nil {
			return err
		}
		n, err := exporter.ExportBalances(ctx, all)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "exported %d balances from %d scopes\n", n, len(scopes))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportGroup, "group", "", `Export one group id, or "direct".`)
	rootCmd.AddCommand(exportCmd)
}
