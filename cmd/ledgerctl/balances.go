package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"splitledger/internal/core"
)

var (
	balanceGroup    string
	balanceCurrency string
)

var balancesCmd = &cobra.Command{
	Use:   "balances <user-id>",
	Short: "Print the pairwise balances of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || user <= 0 {
			return fmt.Errorf("invalid user id %q", args[0])
		}
		filter, err := balanceFilter(balanceGroup, balanceCurrency)
		if err != nil {
			return err
		}

		svc, closeFn, err := openServices()
		if err != nil {
			return err
		}
		defer closeFn()

		rows, err := svc.Expenses.Balances(cmd.Context(), core.UserID(user), filter)
		if err != nil {
			return err
		}
		return writeBalances(cmd.OutOrStdout(), rows)
	},
}

// parseScope reads "direct" or a non-negative group id.
func parseScope(s string) (core.Scope, error) {
	s = strings.TrimSpace(s)
	if s == "direct" || s == "0" {
		return core.DirectScope, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 0 {
		return core.Scope{}, fmt.Errorf("invalid group %q", s)
	}
	return core.GroupScope(core.GroupID(id)), nil
}

func balanceFilter(group, currency string) (core.BalanceFilter, error) {
	var f core.BalanceFilter
	if group != "" {
		scope, err := parseScope(group)
		if err != nil {
			return f, err
		}
		f.Scope = &scope
	}
	if currency != "" {
		c, err := core.ParseCurrency(currency)
		if err != nil {
			return f, err
		}
		f.Currency = c
	}
	return f, nil
}

// writeBalances prints one line per non-zero row from the user's point of view.
func writeBalances(w io.Writer, rows []core.Balance) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FRIEND\tSCOPE\tDIRECTION\tAMOUNT")
	for _, b := range rows {
		if b.Amount == 0 {
			continue
		}
		direction, amount := "owes", b.Money()
		if b.Amount < 0 {
			direction, amount = "is owed", amount.Neg()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", b.FriendID, b.Scope, direction, amount)
	}
	return tw.Flush()
}

func init() {
	balancesCmd.Flags().StringVar(&balanceGroup, "group", "", `Restrict to a group id, or "direct".`)
	balancesCmd.Flags().StringVar(&balanceCurrency, "currency", "", "Restrict to one currency.")
	rootCmd.AddCommand(balancesCmd)
}
