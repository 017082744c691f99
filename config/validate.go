package config

import (
	"fmt"
	"net/url"

	"github.com/olegvg/cryptoms/internal/chain/btc"
	klog "github.com/olegvg/cryptoms/internal/log"
)

// Validate checks cfg for operator mistakes and missing required
// settings. Missing settings wrap ErrMissing.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	switch cfg.Mode {
	case ModeFull, ModeProcessor, ModeSigner:
	default:
		return fmt.Errorf("mode must be %q, %q or %q", ModeFull, ModeProcessor, ModeSigner)
	}
	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		return fmt.Errorf("api.port must be in range [0, 65535]")
	}
	if cfg.Signer.Port < 0 || cfg.Signer.Port > 65535 {
		return fmt.Errorf("signer.port must be in range [0, 65535]")
	}
	if cfg.PassInterval <= 0 {
		return fmt.Errorf("pass.interval must be positive")
	}
	if cfg.API.RateLimit < 0 || cfg.API.Burst < 0 {
		return fmt.Errorf("api.rate and api.burst must not be negative")
	}
	if !klog.ValidLevel(cfg.Log.Level) {
		return fmt.Errorf("log.level %q is not a known level", cfg.Log.Level)
	}
	if _, err := btc.Params(cfg.BTCNetwork()); err != nil {
		return err
	}
	if cfg.BTC.Confirmations < 0 || cfg.ETH.Confirmations < 0 {
		return fmt.Errorf("confirmations must not be negative")
	}

	if len(cfg.Currencies()) == 0 {
		return fmt.Errorf("%w: enable btc or eth", ErrMissing)
	}
	if cfg.BTC.Enabled && cfg.BTC.MasterKey == "" {
		return fmt.Errorf("%w: btc.masterkey (%s)", ErrMissing, EnvBTCMasterKey)
	}
	if cfg.ETH.Enabled && cfg.ETH.MasterKey == "" {
		return fmt.Errorf("%w: eth.masterkey (%s)", ErrMissing, EnvETHMasterKey)
	}
	if cfg.Mode == ModeSigner {
		return nil
	}

	if cfg.BTC.Enabled {
		if cfg.BTC.NodeURL == "" {
			return fmt.Errorf("%w: btc.url (%s)", ErrMissing, EnvBitcoindURL)
		}
		if cfg.BTC.Instance == "" {
			return fmt.Errorf("%w: btc.instance (%s)", ErrMissing, EnvBitcoindInstance)
		}
	}
	if cfg.ETH.Enabled && cfg.ETH.NodeURL == "" {
		return fmt.Errorf("%w: eth.url (%s)", ErrMissing, EnvEthereumdURL)
	}
	if cfg.Mode == ModeProcessor && cfg.Signer.URL == "" {
		return fmt.Errorf("%w: signer.url (%s)", ErrMissing, EnvSignerURL)
	}
	if cfg.DepositCallbackURL() == "" || cfg.WithdrawalCallbackURL() == "" {
		return fmt.Errorf("%w: callback.root (%s)", ErrMissing, EnvCallbackRoot)
	}
	for _, u := range []string{cfg.DepositCallbackURL(), cfg.WithdrawalCallbackURL(), cfg.Signer.URL, cfg.Alert.WebhookURL} {
		if err := validateHTTPURL(u); err != nil {
			return err
		}
	}
	return nil
}

func validateHTTPURL(s string) error {
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("url %q: %w", s, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url %q must be absolute http(s)", s)
	}
	return nil
}
