package config

import "time"

// DefaultMainnet returns the default configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network:      Mainnet,
		DataDir:      DefaultDataDir(),
		Mode:         ModeFull,
		PassInterval: 50 * time.Second,
		API: APIConfig{
			Enabled:    true,
			Addr:       "127.0.0.1",
			Port:       8080,
			AllowedIPs: []string{"127.0.0.1"},
		},
		Signer: SignerConfig{
			Addr:       "127.0.0.1",
			Port:       8090,
			AllowedIPs: []string{"127.0.0.1"},
			Timeout:    30 * time.Second,
		},
		BTC: BTCConfig{
			Instance: "default",
		},
		Callback: CallbackConfig{
			Retries: 10,
			Timeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultTestnet returns the default configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.API.Port = 18080
	cfg.Signer.Port = 18090
	return cfg
}

// Default returns the default configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
