// Package config handles daemon configuration.
//
// Settings are layered, later sources winning:
//   - Defaults: per network, see Default
//   - Config file: <datadir>/cryptoms.conf, key = value lines
//   - Environment: process variables, optionally seeded from a .env file
//   - Command-line flags
//
// Passphrases are never read from the config file.
package config

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/olegvg/cryptoms/pkg/types"
)

// ErrMissing is returned by Validate when a required setting is absent.
var ErrMissing = errors.New("missing required setting")

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Mode selects which half of the processor a daemon runs.
type Mode string

const (
	// ModeFull runs the processor and signs locally.
	ModeFull Mode = "full"
	// ModeProcessor runs the processor against a remote signer and keeps
	// no secrets in memory.
	ModeProcessor Mode = "processor"
	// ModeSigner runs only the signer server.
	ModeSigner Mode = "signer"
)

// Config holds the daemon configuration.
type Config struct {
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`
	Mode    Mode        `conf:"mode"`

	// DatabaseURL selects Postgres. Empty uses Badger under DataDir.
	DatabaseURL string `conf:"database.url"`

	// PassInterval is the period of every background pass.
	PassInterval time.Duration `conf:"pass.interval"`

	API      APIConfig
	Signer   SignerConfig
	BTC      BTCConfig
	ETH      ETHConfig
	Callback CallbackConfig
	Alert    AlertConfig
	Log      LogConfig
}

// APIConfig holds REST server settings.
type APIConfig struct {
	Enabled     bool     `conf:"api.enabled"`
	Addr        string   `conf:"api.addr"`
	Port        int      `conf:"api.port"`
	AllowedIPs  []string `conf:"api.allowed"`
	CORSOrigins []string `conf:"api.cors"`
	RateLimit   float64  `conf:"api.rate"`
	Burst       int      `conf:"api.burst"`
}

// SignerConfig holds both sides of the signer link. URL is dialed in
// processor mode; Addr and Port are listened on in signer mode.
type SignerConfig struct {
	URL        string        `conf:"signer.url"`
	Addr       string        `conf:"signer.addr"`
	Port       int           `conf:"signer.port"`
	AllowedIPs []string      `conf:"signer.allowed"`
	User       string        `conf:"signer.user"`
	Password   string        `conf:"signer.password"`
	Timeout    time.Duration `conf:"signer.timeout"`
}

// BTCConfig holds Bitcoin settings.
type BTCConfig struct {
	Enabled bool `conf:"btc.enabled"`
	// Network overrides the bitcoin network derived from Config.Network,
	// e.g. "regtest".
	Network       string `conf:"btc.network"`
	NodeURL       string `conf:"btc.url"`
	Instance      string `conf:"btc.instance"`
	MasterKey     string `conf:"btc.masterkey"`
	Confirmations int64  `conf:"btc.confirmations"`
	MaxInputs     int    `conf:"btc.maxinputs"`
	FeeTarget     int64  `conf:"btc.feetarget"`

	// Passphrase unseals MasterKey. Environment or prompt only.
	Passphrase string
}

// ETHConfig holds Ethereum settings.
type ETHConfig struct {
	Enabled       bool   `conf:"eth.enabled"`
	NodeURL       string `conf:"eth.url"`
	MasterKey     string `conf:"eth.masterkey"`
	Confirmations int64  `conf:"eth.confirmations"`
	MaxBlocks     uint64 `conf:"eth.maxblocks"`

	// Passphrase unseals MasterKey. Environment or prompt only.
	Passphrase string
}

// CallbackConfig holds the upstream notification endpoints. Root is used
// for both kinds unless a specific URL is set.
type CallbackConfig struct {
	Root          string        `conf:"callback.root"`
	DepositURL    string        `conf:"callback.deposit"`
	WithdrawalURL string        `conf:"callback.withdrawal"`
	Retries       uint64        `conf:"callback.retries"`
	Timeout       time.Duration `conf:"callback.timeout"`
}

// AlertConfig holds the operator alert channel.
type AlertConfig struct {
	WebhookURL string `conf:"alert.webhook"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.cryptoms
//	macOS:   ~/Library/Application Support/Cryptoms
//	Windows: %APPDATA%\Cryptoms
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cryptoms"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Cryptoms")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Cryptoms")
		}
		return filepath.Join(home, "AppData", "Roaming", "Cryptoms")
	default:
		return filepath.Join(home, ".cryptoms")
	}
}

// NetworkDataDir returns the network-specific data directory.
func (c *Config) NetworkDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// DBDir returns the Badger database directory.
func (c *Config) DBDir() string {
	return filepath.Join(c.NetworkDataDir(), "db")
}

// KeysDir returns the directory of exported key files.
func (c *Config) KeysDir() string {
	return filepath.Join(c.NetworkDataDir(), "keys")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "cryptoms.conf")
}

// Testnet reports whether keys and addresses use test networks.
func (c *Config) Testnet() bool {
	return c.Network == Testnet
}

// BTCNetwork returns the bitcoin network name.
func (c *Config) BTCNetwork() string {
	if c.BTC.Network != "" {
		return c.BTC.Network
	}
	return string(c.Network)
}

// APIListenAddr returns host:port of the REST server.
func (c *Config) APIListenAddr() string {
	return net.JoinHostPort(c.API.Addr, strconv.Itoa(c.API.Port))
}

// SignerListenAddr returns host:port of the signer server.
func (c *Config) SignerListenAddr() string {
	return net.JoinHostPort(c.Signer.Addr, strconv.Itoa(c.Signer.Port))
}

// DepositCallbackURL returns the deposit notification endpoint.
func (c *Config) DepositCallbackURL() string {
	if c.Callback.DepositURL != "" {
		return c.Callback.DepositURL
	}
	return c.Callback.Root
}

// WithdrawalCallbackURL returns the withdrawal notification endpoint.
func (c *Config) WithdrawalCallbackURL() string {
	if c.Callback.WithdrawalURL != "" {
		return c.Callback.WithdrawalURL
	}
	return c.Callback.Root
}

// Currencies returns the enabled currencies in stable order.
func (c *Config) Currencies() []types.Currency {
	var out []types.Currency
	if c.BTC.Enabled {
		out = append(out, types.BTC)
	}
	if c.ETH.Enabled {
		out = append(out, types.ETH)
	}
	return out
}

// MasterKey returns the configured master key name of cur.
func (c *Config) MasterKey(cur types.Currency) string {
	if cur == types.ETH {
		return c.ETH.MasterKey
	}
	return c.BTC.MasterKey
}
