package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables understood by the daemon.
const (
	EnvMode             = "CRYPTOMS_MODE"
	EnvDatabaseURL      = "DATABASE_URL"
	EnvPort             = "PORT"
	EnvBitcoindURL      = "BITCOIND_URL"
	EnvBitcoindInstance = "BITCOIND_INSTANCE"
	EnvEthereumdURL     = "ETHEREUMD_URL"
	EnvBTCMasterKey     = "BTC_MASTERKEY_NAME"
	EnvETHMasterKey     = "ETH_MASTERKEY_NAME"
	EnvBTCPassphrase    = "BTC_MASTERKEY_PASSPHRASE"
	EnvETHPassphrase    = "ETH_MASTERKEY_PASSPHRASE"
	EnvCallbackRoot     = "CALLBACK_API_ROOT"
	EnvSignerURL        = "SIGNER_URL"
	EnvAlertWebhook     = "ALERT_WEBHOOK_URL"
)

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// EnvLookup returns a lookup over the process environment, falling back to
// the values of the .env file at path. Process variables always win. A
// missing file is not an error.
func EnvLookup(path string) (LookupFunc, error) {
	file := map[string]string{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			values, err := godotenv.Read(path)
			if err != nil {
				return nil, fmt.Errorf("read env file %s: %w", path, err)
			}
			file = values
		}
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	}, nil
}

// ApplyEnv applies environment variables to cfg. A node URL enables its
// currency.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvMode); ok {
		cfg.Mode = Mode(strings.ToLower(v))
	}
	if v, ok := get(EnvDatabaseURL); ok {
		cfg.DatabaseURL = v
	}
	if v, ok := get(EnvPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		// PORT is the listener of whichever server the mode runs.
		if cfg.Mode == ModeSigner {
			cfg.Signer.Port = port
		} else {
			cfg.API.Port = port
		}
	}
	if v, ok := get(EnvBitcoindURL); ok {
		cfg.BTC.NodeURL = v
		cfg.BTC.Enabled = true
	}
	if v, ok := get(EnvBitcoindInstance); ok {
		cfg.BTC.Instance = v
	}
	if v, ok := get(EnvEthereumdURL); ok {
		cfg.ETH.NodeURL = v
		cfg.ETH.Enabled = true
	}
	if v, ok := get(EnvBTCMasterKey); ok {
		cfg.BTC.MasterKey = v
	}
	if v, ok := get(EnvETHMasterKey); ok {
		cfg.ETH.MasterKey = v
	}
	if v, ok := lookup(EnvBTCPassphrase); ok && v != "" {
		cfg.BTC.Passphrase = v
	}
	if v, ok := lookup(EnvETHPassphrase); ok && v != "" {
		cfg.ETH.Passphrase = v
	}
	if v, ok := get(EnvCallbackRoot); ok {
		cfg.Callback.Root = v
	}
	if v, ok := get(EnvSignerURL); ok {
		cfg.Signer.URL = v
	}
	if v, ok := get(EnvAlertWebhook); ok {
		cfg.Alert.WebhookURL = v
	}
	return nil
}
