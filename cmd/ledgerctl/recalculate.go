package main

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"splitledger/internal/amqp"
	"splitledger/internal/cli"
	"splitledger/internal/core"
)

var (
	recalcGroup string
	recalcAsync bool
)

var recalculateCmd = &cobra.Command{
	Use:   "recalculate",
	Short: "Rebuild balances from the expense log",
	Long: "Rebuild the balances of one scope (--group) or of every scope.\n" +
		"With --async the request is queued for ledger-worker instead.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var scope *core.Scope
		if recalcGroup != "" {
			s, err := parseScope(recalcGroup)
			if err != nil {
				return err
			}
			scope = &s
		}
		if recalcAsync {
			return queueRecalculation(cmd, scope)
		}

		svc, closeFn, err := openServices()
		if err != nil {
			return err
		}
		defer closeFn()

		counts := make(map[core.Scope]int)
		if scope != nil {
			n, err := svc.Expenses.Recalculate(cmd.Context(), *scope)
			if err != nil {
				return err
			}
			counts[*scope] = n
		} else if counts, err = svc.Expenses.RecalculateAll(cmd.Context()); err != nil {
			return err
		}

		scopes := make([]core.Scope, 0, len(counts))
		for s := range counts {
			scopes = append(scopes, s)
		}
		sort.Slice(scopes, func(i, j int) bool { return scopes[i].GroupID < scopes[j].GroupID })
		for _, s := range scopes {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d balance rows\n", s, counts[s])
		}
		return nil
	},
}

func queueRecalculation(cmd *cobra.Command, scope *core.Scope) error {
	client, err := cli.NewAMQPClient(cfg, logger)
	if err != nil {
		return err
	}
	if client == nil {
		return errors.New("--async requires AMQP_URL")
	}
	defer client.Close()

	requestedBy, _ := os.Hostname()
	req := amqp.NewRecalculateRequest(0, "ledgerctl@"+requestedBy)
	if scope == nil {
		req.All = true
	} else {
		req.GroupID = int64(scope.GroupID)
	}
	if err := client.PublishRecalculateRequest(cmd.Context(), req); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "recalculation queued")
	return nil
}

func init() {
	recalculateCmd.Flags().StringVar(&recalcGroup, "group", "", `Group id, or "direct". Defaults to every scope.`)
	recalculateCmd.Flags().BoolVar(&recalcAsync, "async", false, "Queue the request for ledger-worker over AMQP.")
	rootCmd.AddCommand(recalculateCmd)
}
