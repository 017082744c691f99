// cryptoms-cli manages master keys and chain instances in the cryptoms
// ledger and talks to a running processor over its REST API.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/olegvg/cryptoms/config"
	"github.com/olegvg/cryptoms/internal/ledger"
	"github.com/olegvg/cryptoms/internal/storage"
	"golang.org/x/term"
)

// globals are the options accepted before the subcommand.
type globals struct {
	apiURL      string
	dataDir     string
	network     config.NetworkType
	databaseURL string
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	g := globals{
		dataDir:     config.DefaultDataDir(),
		network:     config.Mainnet,
		databaseURL: os.Getenv(config.EnvDatabaseURL),
	}

	args := os.Args[1:]
	for len(args) > 0 {
		name, value, rest, ok := globalFlag(args, "--api", "--datadir", "--network", "--database-url")
		if !ok {
			break
		}
		switch name {
		case "--api":
			g.apiURL = value
		case "--datadir":
			g.dataDir = value
		case "--network":
			g.network = config.NetworkType(value)
		case "--database-url":
			g.databaseURL = value
		}
		args = rest
	}
	if g.network != config.Mainnet && g.network != config.Testnet {
		fatal("unknown network %q", g.network)
	}
	if g.apiURL == "" {
		g.apiURL = "http://" + config.Default(g.network).APIListenAddr()
	}

	if len(args) == 0 {
		usage()
		os.Exit(1)
	}
	cmd, cmdArgs := args[0], args[1:]

	switch cmd {
	case "key":
		cmdKey(g, cmdArgs)
	case "instance":
		cmdInstance(g, cmdArgs)
	case "claim":
		cmdClaim(g, cmdArgs)
	case "withdraw":
		cmdWithdraw(g, cmdArgs)
	case "status":
		cmdStatus(g, cmdArgs)
	case "reconcile":
		cmdReconcile(g, cmdArgs)
	case "version":
		fmt.Printf("cryptoms-cli version %s\n", config.Version)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

// globalFlag matches args[0] against names in both "--x v" and "--x=v"
// forms.
func globalFlag(args []string, names ...string) (name, value string, rest []string, ok bool) {
	for _, n := range names {
		switch {
		case args[0] == n && len(args) > 1:
			return n, args[1], args[2:], true
		case strings.HasPrefix(args[0], n+"="):
			return n, args[0][len(n)+1:], args[1:], true
		}
	}
	return "", "", args, false
}

// openLedger opens the database the daemon uses for this network. Badger
// holds an exclusive lock, so stop the daemon first or use Postgres.
func openLedger(g globals) (*ledger.Ledger, func()) {
	var (
		db  storage.DB
		err error
	)
	if g.databaseURL != "" {
		db, err = storage.NewPostgres(context.Background(), g.databaseURL)
	} else {
		cfg := config.Default(g.network)
		cfg.DataDir = g.dataDir
		if err := os.MkdirAll(cfg.NetworkDataDir(), 0700); err != nil {
			fatal("create data directory: %v", err)
		}
		db, err = storage.NewBadger(cfg.DBDir())
	}
	if err != nil {
		fatal("open database: %v", err)
	}
	return ledger.New(db), func() { db.Close() }
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: cryptoms-cli [global flags] <command> [args]

Global flags:
  --api <url>            Processor REST API (default: local API port)
  --datadir <dir>        Data directory (default: ~/.cryptoms)
  --network <name>       mainnet or testnet (default: mainnet)
  --database-url <url>   Postgres URL instead of the local database

Key commands (operate on the ledger directly):
  key create --currency C --name N [--path P]       Generate a new master key
  key import --currency C --name N [--path P]       Import a BIP-39 mnemonic
  key export --currency C --name N [--out FILE]     Export the sealed record
  key load --file FILE                               Load a sealed record
  key info --currency C [--name N]                   Show master key info
  instance add --name N --url URL [--currency C]    Register a chain node

API commands:
  claim <currency>                                   Claim a deposit address
  withdraw --currency C --to ADDR --amount A [--id UUID]
  status <u_txid>                                    Withdrawal status
  reconcile <currency> [--enforce]                   Reconcile balances
`)
}

// readPassword reads a password from the terminal without echo.
func readPassword(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fatal("read password: %v", err)
	}
	return string(pass)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
