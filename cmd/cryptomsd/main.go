// cryptoms payment processor daemon.
//
// Usage:
//
//	cryptomsd [--mode=full|processor|signer ...] Run the daemon
//	cryptomsd --help                            Show help
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/olegvg/cryptoms/config"
	"github.com/olegvg/cryptoms/internal/daemon"
	"golang.org/x/term"
)

func main() {
	cfg, flags, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if flags.Help {
		config.PrintUsage(os.Stdout)
		return
	}
	if flags.Version {
		fmt.Printf("cryptomsd version %s\n", config.Version)
		return
	}

	if cfg.Mode != config.ModeProcessor {
		if err := promptPassphrases(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	d, err := daemon.New(cfg, daemon.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := d.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		d.Stop()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	d.Stop()
}

// promptPassphrases asks for every passphrase missing from the
// environment when stdin is a terminal.
func promptPassphrases(cfg *config.Config) error {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return nil
	}
	ask := func(currency, name string, dst *string) error {
		if *dst != "" || name == "" {
			return nil
		}
		fmt.Fprintf(os.Stderr, "Passphrase for %s master key %q: ", currency, name)
		pass, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read passphrase: %w", err)
		}
		*dst = string(pass)
		return nil
	}
	if cfg.BTC.Enabled {
		if err := ask("BTC", cfg.BTC.MasterKey, &cfg.BTC.Passphrase); err != nil {
			return err
		}
	}
	if cfg.ETH.Enabled {
		if err := ask("ETH", cfg.ETH.MasterKey, &cfg.ETH.Passphrase); err != nil {
			return err
		}
	}
	return nil
}
