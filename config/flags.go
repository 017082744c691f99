package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Version is the daemon version reported by --version.
const Version = "0.1.0"

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network      string
	DataDir      string
	Config       string
	EnvFile      string
	Mode         string
	DatabaseURL  string
	PassInterval time.Duration

	// REST API
	API        bool
	APIAddr    string
	APIPort    int
	APIAllowed string
	APICORS    string
	APIRate    float64

	// Signer
	SignerURL     string
	SignerAddr    string
	SignerPort    int
	SignerAllowed string

	// Chains
	BTCURL       string
	BTCNetwork   string
	BTCInstance  string
	BTCMasterKey string
	ETHURL       string
	ETHMasterKey string

	// Callbacks and alerts
	CallbackRoot string
	AlertWebhook string

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetAPI     bool
	SetLogJSON bool
}

// ParseFlags parses args, normally os.Args[1:].
func ParseFlags(args []string) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("cryptomsd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	fs.StringVar(&f.Network, "network", "", "Network type (mainnet or testnet)")
	testnet := fs.Bool("testnet", false, "Use testnet (shorthand for --network=testnet)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")
	fs.StringVar(&f.EnvFile, "env-file", ".env", "Environment file")
	fs.StringVar(&f.Mode, "mode", "", "Daemon mode: full, processor or signer")
	fs.StringVar(&f.DatabaseURL, "database-url", "", "Postgres URL (default: Badger in datadir)")
	fs.DurationVar(&f.PassInterval, "pass-interval", 0, "Background pass period")

	fs.BoolVar(&f.API, "api", true, "Enable REST API")
	fs.StringVar(&f.APIAddr, "api-addr", "", "REST listen address")
	fs.IntVar(&f.APIPort, "api-port", 0, "REST listen port")
	fs.StringVar(&f.APIAllowed, "api-allowed", "", "Allowed IPs for REST (comma-separated)")
	fs.StringVar(&f.APICORS, "api-cors", "", "Allowed CORS origins (comma-separated)")
	fs.Float64Var(&f.APIRate, "api-rate", 0, "Global REST requests per second")

	fs.StringVar(&f.SignerURL, "signer-url", "", "Remote signer URL (processor mode)")
	fs.StringVar(&f.SignerAddr, "signer-addr", "", "Signer listen address (signer mode)")
	fs.IntVar(&f.SignerPort, "signer-port", 0, "Signer listen port (signer mode)")
	fs.StringVar(&f.SignerAllowed, "signer-allowed", "", "Allowed IPs for the signer (comma-separated)")

	fs.StringVar(&f.BTCURL, "btc-url", "", "bitcoind JSON-RPC URL")
	fs.StringVar(&f.BTCNetwork, "btc-network", "", "Bitcoin network override (e.g. regtest)")
	fs.StringVar(&f.BTCInstance, "btc-instance", "", "bitcoind instance name")
	fs.StringVar(&f.BTCMasterKey, "btc-masterkey", "", "Bitcoin master key name")
	fs.StringVar(&f.ETHURL, "eth-url", "", "Ethereum node URL")
	fs.StringVar(&f.ETHMasterKey, "eth-masterkey", "", "Ethereum master key name")

	fs.StringVar(&f.CallbackRoot, "callback-root", "", "Notification endpoint")
	fs.StringVar(&f.AlertWebhook, "alert-webhook", "", "Operator alert webhook")

	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			f.Help = true
			return f, nil
		}
		return nil, err
	}

	if *testnet {
		f.Network = string(Testnet)
	}
	f.SetAPI = isFlagSet(fs, "api")
	f.SetLogJSON = isFlagSet(fs, "log-json")
	f.Args = fs.Args()

	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}
	return f, nil
}

// ApplyFlags applies command-line flags to cfg.
func ApplyFlags(cfg *Config, f *Flags) {
	if f.Network != "" {
		cfg.Network = NetworkType(f.Network)
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.Mode != "" {
		cfg.Mode = Mode(strings.ToLower(f.Mode))
	}
	if f.DatabaseURL != "" {
		cfg.DatabaseURL = f.DatabaseURL
	}
	if f.PassInterval != 0 {
		cfg.PassInterval = f.PassInterval
	}

	if f.SetAPI {
		cfg.API.Enabled = f.API
	}
	if f.APIAddr != "" {
		cfg.API.Addr = f.APIAddr
	}
	if f.APIPort != 0 {
		cfg.API.Port = f.APIPort
	}
	if f.APIAllowed != "" {
		cfg.API.AllowedIPs = parseStringList(f.APIAllowed)
	}
	if f.APICORS != "" {
		cfg.API.CORSOrigins = parseStringList(f.APICORS)
	}
	if f.APIRate != 0 {
		cfg.API.RateLimit = f.APIRate
	}

	if f.SignerURL != "" {
		cfg.Signer.URL = f.SignerURL
	}
	if f.SignerAddr != "" {
		cfg.Signer.Addr = f.SignerAddr
	}
	if f.SignerPort != 0 {
		cfg.Signer.Port = f.SignerPort
	}
	if f.SignerAllowed != "" {
		cfg.Signer.AllowedIPs = parseStringList(f.SignerAllowed)
	}

	if f.BTCURL != "" {
		cfg.BTC.NodeURL = f.BTCURL
		cfg.BTC.Enabled = true
	}
	if f.BTCNetwork != "" {
		cfg.BTC.Network = f.BTCNetwork
	}
	if f.BTCInstance != "" {
		cfg.BTC.Instance = f.BTCInstance
	}
	if f.BTCMasterKey != "" {
		cfg.BTC.MasterKey = f.BTCMasterKey
	}
	if f.ETHURL != "" {
		cfg.ETH.NodeURL = f.ETHURL
		cfg.ETH.Enabled = true
	}
	if f.ETHMasterKey != "" {
		cfg.ETH.MasterKey = f.ETHMasterKey
	}

	if f.CallbackRoot != "" {
		cfg.Callback.Root = f.CallbackRoot
	}
	if f.AlertWebhook != "" {
		cfg.Alert.WebhookURL = f.AlertWebhook
	}

	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// PrintUsage writes the daemon help text to w.
func PrintUsage(w io.Writer) {
	fmt.Fprint(w, `cryptoms - custodial BTC/ETH payment processor

Usage:
  cryptomsd [options]
  cryptomsd --help

Core Options:
  --network        Network type: mainnet (default) or testnet
  --testnet        Shorthand for --network=testnet
  --datadir        Data directory (default: ~/.cryptoms)
  --config, -c     Config file path (default: <datadir>/cryptoms.conf)
  --env-file       Environment file (default: .env)
  --mode           full (default), processor or signer
  --database-url   Postgres URL (default: Badger in datadir)
  --pass-interval  Background pass period (default: 50s)

REST Options:
  --api            Enable the REST API (default: true)
  --api-addr       Listen address (default: 127.0.0.1)
  --api-port       Listen port (mainnet: 8080, testnet: 18080)
  --api-allowed    Allowed IPs (comma-separated)
  --api-cors       Allowed CORS origins (comma-separated)
  --api-rate       Global requests per second (default: unlimited)

Signer Options:
  --signer-url     Remote signer URL (processor mode)
  --signer-addr    Listen address (signer mode)
  --signer-port    Listen port (mainnet: 8090, testnet: 18090)
  --signer-allowed Allowed IPs (comma-separated)

Chain Options:
  --btc-url        bitcoind JSON-RPC URL, enables BTC
  --btc-network    Bitcoin network override (regtest, signet)
  --btc-instance   bitcoind instance name (default: default)
  --btc-masterkey  Bitcoin master key name
  --eth-url        Ethereum node URL, enables ETH
  --eth-masterkey  Ethereum master key name

Notification Options:
  --callback-root  Deposit and withdrawal callback endpoint
  --alert-webhook  Operator alert webhook

Logging Options:
  --log-level      Log level: debug, info, warn, error (default: info)
  --log-file       Log file path (default: <datadir>/logs/cryptoms.log)
  --log-json       Output logs as JSON

Environment:
  CRYPTOMS_MODE, DATABASE_URL, PORT, BITCOIND_URL, BITCOIND_INSTANCE,
  ETHEREUMD_URL, BTC_MASTERKEY_NAME, ETH_MASTERKEY_NAME,
  BTC_MASTERKEY_PASSPHRASE, ETH_MASTERKEY_PASSPHRASE, CALLBACK_API_ROOT,
  SIGNER_URL, ALERT_WEBHOOK_URL. Flags override the environment, which
  overrides the config file.
`)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Environment (.env file, then process variables)
// 5. Command-line flags
//
// The returned Flags has Help or Version set when the caller should print
// and exit; cfg is nil in that case.
func Load(args []string) (*Config, *Flags, error) {
	flags, err := ParseFlags(args)
	if err != nil {
		return nil, nil, err
	}
	if flags.Help || flags.Version {
		return nil, flags, nil
	}

	network := Mainnet
	if strings.ToLower(flags.Network) == string(Testnet) {
		network = Testnet
	}
	cfg := Default(network)
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}
	if err := EnsureDataDirs(cfg); err != nil {
		return nil, nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}
	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, nil, fmt.Errorf("applying config file: %w", err)
	}

	// PORT in the environment targets the server of the final mode.
	if flags.Mode != "" {
		cfg.Mode = Mode(strings.ToLower(flags.Mode))
	}
	lookup, err := EnvLookup(flags.EnvFile)
	if err != nil {
		return nil, nil, err
	}
	if err := ApplyEnv(cfg, lookup); err != nil {
		return nil, nil, fmt.Errorf("applying environment: %w", err)
	}

	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, flags, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. This is idempotent.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.NetworkDataDir(),
		cfg.KeysDir(),
		cfg.LogsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}
	return nil
}
