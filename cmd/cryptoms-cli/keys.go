package main

import (
	"bufio"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/olegvg/cryptoms/config"
	"github.com/olegvg/cryptoms/internal/keyvault"
	"github.com/olegvg/cryptoms/internal/ledger"
	"github.com/olegvg/cryptoms/pkg/crypto"
	"github.com/olegvg/cryptoms/pkg/types"
)

func cmdKey(g globals, args []string) {
	if len(args) == 0 {
		fatal("usage: key <create|import|export|load|info> [flags]")
	}
	switch args[0] {
	case "create":
		cmdKeyCreate(g, args[1:], false)
	case "import":
		cmdKeyCreate(g, args[1:], true)
	case "export":
		cmdKeyExport(g, args[1:])
	case "load":
		cmdKeyLoad(g, args[1:])
	case "info":
		cmdKeyInfo(g, args[1:])
	default:
		fatal("unknown key command: %s", args[0])
	}
}

func parseCurrency(s string) types.Currency {
	c, err := types.ParseCurrency(s)
	if err != nil {
		fatal("%v", err)
	}
	return c
}

// cmdKeyCreate provisions a master key from a fresh or imported mnemonic
// and stores the sealed record in the ledger.
func cmdKeyCreate(g globals, args []string, imported bool) {
	fs := flag.NewFlagSet("key create", flag.ExitOnError)
	currency := fs.String("currency", "", "BTC or ETH (required)")
	name := fs.String("name", "", "Master key name (required)")
	path := fs.String("path", "", "Account derivation path (default: BIP-44 for the currency)")
	bip39 := fs.Bool("bip39-passphrase", false, "Prompt for a BIP-39 passphrase")
	fs.Parse(args)

	if *currency == "" || *name == "" {
		fatal("--currency and --name are required")
	}
	c := parseCurrency(*currency)

	var mnemonic string
	if imported {
		fmt.Fprint(os.Stderr, "Mnemonic: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fatal("read mnemonic: %v", err)
		}
		mnemonic = strings.Join(strings.Fields(line), " ")
		if !keyvault.ValidateMnemonic(mnemonic) {
			fatal("invalid mnemonic")
		}
	} else {
		var err error
		if mnemonic, err = keyvault.GenerateMnemonic(); err != nil {
			fatal("generate mnemonic: %v", err)
		}
	}

	var bip39Pass string
	if *bip39 {
		bip39Pass = readPassword("BIP-39 passphrase: ")
	}
	pass := readPassword("Encryption passphrase: ")
	if pass == "" {
		fatal("passphrase must not be empty")
	}
	if confirm := readPassword("Confirm passphrase: "); confirm != pass {
		fatal("passphrases do not match")
	}

	rec, err := keyvault.Provision(*name, c, mnemonic, bip39Pass, []byte(pass), *path,
		g.network == config.Testnet, keyvault.DefaultParams())
	if err != nil {
		fatal("provision: %v", err)
	}

	l, closeDB := openLedger(g)
	defer closeDB()
	if err := l.PutMasterKey(&ledger.MasterKey{Record: *rec}); err != nil {
		fatal("store master key: %v", err)
	}

	fmt.Printf("Master key %q created for %s.\n", rec.Name, rec.Currency)
	fmt.Printf("Path:         %s\n", rec.Path)
	fmt.Printf("Account xpub: %s\n", rec.AccountXPub)
	if !imported {
		fmt.Println()
		fmt.Println("Mnemonic (write this down and store it offline):")
		fmt.Println(mnemonic)
	}
}

// cmdKeyExport writes the sealed record so a signer host can load it.
func cmdKeyExport(g globals, args []string) {
	fs := flag.NewFlagSet("key export", flag.ExitOnError)
	currency := fs.String("currency", "", "BTC or ETH (required)")
	name := fs.String("name", "", "Master key name (required)")
	out := fs.String("out", "", "Output file (default: <datadir>/<network>/keys/<currency>-<name>.json)")
	fs.Parse(args)

	if *currency == "" || *name == "" {
		fatal("--currency and --name are required")
	}
	c := parseCurrency(*currency)

	l, closeDB := openLedger(g)
	defer closeDB()
	mk, err := l.MasterKey(c, *name)
	if err != nil {
		fatal("%v", err)
	}

	file := *out
	if file == "" {
		cfg := config.Default(g.network)
		cfg.DataDir = g.dataDir
		file = filepath.Join(cfg.KeysDir(), strings.ToLower(c.String())+"-"+mk.Name+".json")
	}
	if err := os.MkdirAll(filepath.Dir(file), 0700); err != nil {
		fatal("create key directory: %v", err)
	}
	if err := keyvault.WriteKeyFile(file, &mk.Record); err != nil {
		fatal("%v", err)
	}
	fmt.Printf("Exported %s/%s to %s\n", c, mk.Name, file)
}

// cmdKeyLoad stores a record exported from another host.
func cmdKeyLoad(g globals, args []string) {
	fs := flag.NewFlagSet("key load", flag.ExitOnError)
	file := fs.String("file", "", "Key file (required)")
	fs.Parse(args)

	if *file == "" {
		fatal("--file is required")
	}
	rec, err := keyvault.ReadKeyFile(*file)
	if err != nil {
		fatal("%v", err)
	}
	if rec.Testnet != (g.network == config.Testnet) {
		fatal("key %s was provisioned for the other network", rec.Name)
	}

	l, closeDB := openLedger(g)
	defer closeDB()
	if err := l.PutMasterKey(&ledger.MasterKey{Record: *rec}); err != nil {
		fatal("store master key: %v", err)
	}
	fmt.Printf("Loaded %s/%s\n", rec.Currency, rec.Name)
}

func cmdKeyInfo(g globals, args []string) {
	fs := flag.NewFlagSet("key info", flag.ExitOnError)
	currency := fs.String("currency", "", "BTC or ETH (required)")
	name := fs.String("name", "", "Master key name (default: all)")
	fs.Parse(args)

	if *currency == "" {
		fatal("--currency is required")
	}
	c := parseCurrency(*currency)

	l, closeDB := openLedger(g)
	defer closeDB()

	var keys []*ledger.MasterKey
	if *name != "" {
		mk, err := l.MasterKey(c, *name)
		if err != nil {
			fatal("%v", err)
		}
		keys = append(keys, mk)
	} else {
		var err error
		if keys, err = l.MasterKeys(c); err != nil {
			fatal("%v", err)
		}
	}
	if len(keys) == 0 {
		fmt.Printf("No %s master keys.\n", c)
		return
	}
	for _, mk := range keys {
		first, err := mk.Address(0)
		if err != nil {
			first = "error: " + err.Error()
		}
		fmt.Printf("Name:          %s\n", mk.Name)
		fmt.Printf("Currency:      %s\n", mk.Currency)
		fmt.Printf("Path:          %s\n", mk.Path)
		fmt.Printf("Testnet:       %v\n", mk.Testnet)
		fmt.Printf("Account xpub:  %s\n", mk.AccountXPub)
		fmt.Printf("First address: %s\n", first)
		fmt.Printf("Created:       %s\n\n", mk.CreatedAt.Format(time.RFC3339))
	}
}

func cmdInstance(g globals, args []string) {
	if len(args) == 0 || args[0] != "add" {
		fatal("usage: instance add --name N --url URL [--currency C]")
	}
	fs := flag.NewFlagSet("instance add", flag.ExitOnError)
	name := fs.String("name", "", "Instance name (required)")
	rawURL := fs.String("url", "", "Node RPC URL, credentials included (required)")
	currency := fs.String("currency", "BTC", "Currency of the node")
	fs.Parse(args[1:])

	if *name == "" || *rawURL == "" {
		fatal("--name and --url are required")
	}
	c := parseCurrency(*currency)

	endpoint, user, password := splitURL(*rawURL)
	ci := &ledger.ChainInstance{Name: *name, Currency: c, URL: endpoint}
	if user != "" {
		ci.CredentialHash = crypto.CredentialHash(*name, user, password)
	}

	l, closeDB := openLedger(g)
	defer closeDB()
	if err := l.PutInstance(ci); err != nil {
		fatal("store instance: %v", err)
	}
	fmt.Printf("Registered %s instance %q at %s\n", c, ci.Name, ci.URL)
}

// splitURL strips user info from a node URL.
func splitURL(raw string) (endpoint, user, password string) {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw, "", ""
	}
	user = u.User.Username()
	password, _ = u.User.Password()
	u.User = nil
	return u.String(), user, password
}
