package main

import (
	"context"
	"flag"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/olegvg/cryptoms/internal/api"
	"github.com/shopspring/decimal"
)

const requestTimeout = 60 * time.Second

func newClient(g globals) *api.Client {
	c, err := api.NewClient(g.apiURL, requestTimeout)
	if err != nil {
		fatal("%v", err)
	}
	return c
}

func cmdClaim(g globals, args []string) {
	if len(args) != 1 {
		fatal("usage: claim <currency>")
	}
	addr, err := newClient(g).ClaimAddress(context.Background(), args[0])
	if err != nil {
		fatal("%v", err)
	}
	fmt.Println(addr)
}

func cmdWithdraw(g globals, args []string) {
	fs := flag.NewFlagSet("withdraw", flag.ExitOnError)
	currency := fs.String("currency", "", "BTC or ETH (required)")
	to := fs.String("to", "", "Destination address (required)")
	amount := fs.String("amount", "", "Amount in whole coins (required)")
	id := fs.String("id", "", "Withdrawal id (default: random UUID)")
	fs.Parse(args)

	if *currency == "" || *to == "" || *amount == "" {
		fatal("--currency, --to and --amount are required")
	}
	amt, err := decimal.NewFromString(*amount)
	if err != nil {
		fatal("invalid amount %q: %v", *amount, err)
	}
	txID := *id
	if txID == "" {
		txID = uuid.NewString()
	}

	resp, err := newClient(g).Withdraw(context.Background(), txID, *currency, *to, amt)
	if err != nil {
		fatal("%v", err)
	}
	printWithdrawal(resp)
}

func cmdStatus(g globals, args []string) {
	if len(args) != 1 {
		fatal("usage: status <u_txid>")
	}
	resp, err := newClient(g).WithdrawalStatus(context.Background(), args[0])
	if err != nil {
		fatal("%v", err)
	}
	printWithdrawal(resp)
}

func printWithdrawal(w *api.WithdrawalResponse) {
	fmt.Printf("Withdrawal: %s\n", w.TxID)
	fmt.Printf("Status:     %s\n", w.Status)
	if w.Reason != "" {
		fmt.Printf("Reason:     %s\n", w.Reason)
	}
}

func cmdReconcile(g globals, args []string) {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	enforce := fs.Bool("enforce", false, "Overwrite cached balances with the live ones")
	if len(args) == 0 {
		fatal("usage: reconcile <currency> [--enforce]")
	}
	currency := args[0]
	fs.Parse(args[1:])

	resp, err := newClient(g).Reconcile(context.Background(), currency, *enforce)
	if err != nil {
		fatal("%v", err)
	}

	addrs := make([]string, 0, len(resp.ActualBalances))
	for a := range resp.ActualBalances {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	for _, a := range addrs {
		fmt.Printf("%-64s %s\n", a, resp.ActualBalances[a].String())
	}

	verb := "Drifted"
	if *enforce {
		verb = "Corrected"
	}
	fmt.Printf("\n%s: %d of %d addresses\n", verb, len(resp.Drifted), len(addrs))
	for _, a := range resp.Drifted {
		fmt.Printf("  %s\n", a)
	}
	if len(resp.InFlight) > 0 {
		fmt.Printf("Skipped (in flight): %d\n", len(resp.InFlight))
		for _, a := range resp.InFlight {
			fmt.Printf("  %s\n", a)
		}
	}
}
