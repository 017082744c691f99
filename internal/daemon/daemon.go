// Package daemon wires the processor together and runs it: storage, keys,
// chain clients, the per-currency services, background passes and the
// REST and signer servers.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/olegvg/cryptoms/config"
	"github.com/olegvg/cryptoms/internal/address"
	"github.com/olegvg/cryptoms/internal/alert"
	"github.com/olegvg/cryptoms/internal/api"
	"github.com/olegvg/cryptoms/internal/chain/btc"
	"github.com/olegvg/cryptoms/internal/chain/eth"
	"github.com/olegvg/cryptoms/internal/deposit"
	"github.com/olegvg/cryptoms/internal/keyvault"
	"github.com/olegvg/cryptoms/internal/ledger"
	klog "github.com/olegvg/cryptoms/internal/log"
	"github.com/olegvg/cryptoms/internal/notify"
	"github.com/olegvg/cryptoms/internal/processor"
	"github.com/olegvg/cryptoms/internal/reconcile"
	"github.com/olegvg/cryptoms/internal/rpc"
	"github.com/olegvg/cryptoms/internal/signer"
	"github.com/olegvg/cryptoms/internal/storage"
	"github.com/olegvg/cryptoms/internal/withdraw"
	"github.com/olegvg/cryptoms/pkg/crypto"
	"github.com/olegvg/cryptoms/pkg/types"
	"github.com/rs/zerolog"
)

// ErrPassphrase is returned when a master key must be unlocked and no
// passphrase was supplied.
var ErrPassphrase = errors.New("master key passphrase required")

// nodeTimeout bounds one chain node round trip.
const nodeTimeout = 30 * time.Second

// Options replaces wired dependencies, mainly for tests. Zero fields are
// built from the config.
type Options struct {
	DB         storage.DB
	BTCNode    btc.Node
	ETHNode    eth.Node
	Signer     signer.Signer
	HTTPClient *http.Client
	Alerts     alert.Reporter
	// SkipLogInit keeps the process logger untouched.
	SkipLogInit bool
}

// Daemon is a fully wired processor or signer.
type Daemon struct {
	cfg    *config.Config
	logger zerolog.Logger

	db     storage.DB
	ledger *ledger.Ledger
	vault  *keyvault.Vault
	alerts alert.Reporter
	closer []func()

	set      *processor.Set
	notifier *notify.Dispatcher
	passes   []processor.Pass

	apiServer    *api.Server
	signerServer *rpc.Server
	remote       *signer.Remote

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon for cfg. It opens storage, unlocks keys and builds
// every service but starts no goroutines. Call Start for that.
func New(cfg *config.Config, opts Options) (_ *Daemon, err error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// ── 1. Logger ───────────────────────────────────────────────────
	if !opts.SkipLogInit {
		logFile := cfg.Log.File
		if logFile == "" {
			if err := os.MkdirAll(cfg.LogsDir(), 0700); err != nil {
				return nil, fmt.Errorf("creating logs dir: %w", err)
			}
			logFile = filepath.Join(cfg.LogsDir(), "cryptoms.log")
		}
		if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
			return nil, fmt.Errorf("initializing logger: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{cfg: cfg, logger: klog.Daemon, ctx: ctx, cancel: cancel}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	d.logger.Info().
		Str("network", string(cfg.Network)).
		Str("mode", string(cfg.Mode)).
		Interface("currencies", cfg.Currencies()).
		Msg("Starting cryptoms")

	// ── 2. Storage ──────────────────────────────────────────────────
	if err := d.openStorage(opts.DB); err != nil {
		return nil, err
	}
	d.ledger = ledger.New(d.db)

	// ── 3. Alerts ───────────────────────────────────────────────────
	switch {
	case opts.Alerts != nil:
		d.alerts = opts.Alerts
	case cfg.Alert.WebhookURL != "":
		d.alerts = alert.NewWebhook(cfg.Alert.WebhookURL, 10*time.Second)
	default:
		d.alerts = alert.NewLog()
	}

	// ── 4. Keys and signer ──────────────────────────────────────────
	var sgn signer.Signer
	switch {
	case opts.Signer != nil:
		sgn = opts.Signer
	case cfg.Mode == config.ModeProcessor:
		r, err := signer.NewRemote(cfg.Signer.URL, cfg.Signer.Timeout)
		if err != nil {
			return nil, fmt.Errorf("signer client: %w", err)
		}
		d.remote = r
		sgn = r
	}
	if cfg.Mode != config.ModeProcessor {
		if err := d.unlockKeys(); err != nil {
			return nil, err
		}
		if sgn == nil {
			sgn = signer.NewLocal(d.vault)
		}
	}

	if cfg.Mode == config.ModeSigner {
		d.signerServer = rpc.New(cfg.SignerListenAddr(), sgn, d.vault, rpc.Config{
			AllowedIPs: cfg.Signer.AllowedIPs,
			User:       cfg.Signer.User,
			Password:   cfg.Signer.Password,
		})
		return d, nil
	}

	// ── 5. Per-currency services ────────────────────────────────────
	var btcProc *processor.Bitcoin
	if cfg.BTC.Enabled {
		if btcProc, err = d.bitcoin(opts.BTCNode, sgn); err != nil {
			return nil, fmt.Errorf("bitcoin: %w", err)
		}
	}
	var ethProc *processor.Ethereum
	if cfg.ETH.Enabled {
		if ethProc, err = d.ethereum(opts.ETHNode, sgn); err != nil {
			return nil, fmt.Errorf("ethereum: %w", err)
		}
	}
	d.set = processor.NewSet(d.ledger, btcProc, ethProc)

	// ── 6. Notifications ────────────────────────────────────────────
	d.notifier, err = notify.New(d.ledger, notify.Config{
		DepositURL:    cfg.DepositCallbackURL(),
		WithdrawalURL: cfg.WithdrawalCallbackURL(),
		Currencies:    cfg.Currencies(),
		Retries:       cfg.Callback.Retries,
		Timeout:       cfg.Callback.Timeout,
		Client:        opts.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("notifications: %w", err)
	}

	d.passes = append(d.set.Passes(), processor.Pass{
		Name: "notify",
		Run: func(ctx context.Context) error {
			_, err := d.notifier.Pass(ctx)
			return err
		},
	})

	// ── 7. REST API ─────────────────────────────────────────────────
	if cfg.API.Enabled {
		d.apiServer = api.New(cfg.APIListenAddr(), d.set, api.Config{
			AllowedIPs:  cfg.API.AllowedIPs,
			CORSOrigins: cfg.API.CORSOrigins,
			RateLimit:   cfg.API.RateLimit,
			Burst:       cfg.API.Burst,
		})
	}
	return d, nil
}

func (d *Daemon) openStorage(db storage.DB) error {
	switch {
	case db != nil:
		d.db = db
	case d.cfg.DatabaseURL != "":
		pg, err := storage.NewPostgres(d.ctx, d.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		d.db = pg
		d.logger.Info().Msg("Postgres database opened")
	default:
		bdb, err := storage.NewBadger(d.cfg.DBDir())
		if err != nil {
			return fmt.Errorf("open database at %s: %w", d.cfg.DBDir(), err)
		}
		d.db = bdb
		d.logger.Info().Str("path", d.cfg.DBDir()).Msg("Database opened")
	}
	return nil
}

// unlockKeys opens the configured master key of every enabled currency.
func (d *Daemon) unlockKeys() error {
	d.vault = keyvault.NewVault()
	for _, c := range d.cfg.Currencies() {
		name := d.cfg.MasterKey(c)
		pass := d.cfg.BTC.Passphrase
		if c == types.ETH {
			pass = d.cfg.ETH.Passphrase
		}
		if pass == "" {
			return fmt.Errorf("%w: %s/%s", ErrPassphrase, c, name)
		}
		mk, err := d.ledger.MasterKey(c, name)
		if err != nil {
			return err
		}
		if mk.Testnet != d.cfg.Testnet() {
			return fmt.Errorf("master key %s/%s: testnet=%v does not match network %s", c, name, mk.Testnet, d.cfg.Network)
		}
		if err := d.vault.Unlock(&mk.Record, []byte(pass)); err != nil {
			return err
		}
		d.logger.Info().Str("currency", c.String()).Str("masterkey", name).Msg("Master key unlocked")
	}
	return nil
}

func (d *Daemon) verifier() address.Verifier {
	if d.vault == nil {
		return nil
	}
	return d.vault
}

func (d *Daemon) bitcoin(node btc.Node, sgn signer.Signer) (*processor.Bitcoin, error) {
	cfg := d.cfg.BTC
	params, err := btc.Params(d.cfg.BTCNetwork())
	if err != nil {
		return nil, err
	}
	if node == nil {
		client, err := btc.NewClient(cfg.NodeURL, "", "", nodeTimeout)
		if err != nil {
			return nil, err
		}
		node = client
	}
	if err := d.registerInstance(params); err != nil {
		return nil, err
	}

	addrs, err := address.New(d.ledger, address.Config{
		Currency:  types.BTC,
		MasterKey: cfg.MasterKey,
		Instance:  cfg.Instance,
		Node:      node,
		Verifier:  d.verifier(),
	})
	if err != nil {
		return nil, err
	}
	mon, err := deposit.NewBitcoin(d.ledger, node, deposit.Config{
		Instance:      cfg.Instance,
		Confirmations: cfg.Confirmations,
	})
	if err != nil {
		return nil, err
	}
	orch, err := withdraw.NewBitcoin(d.ledger, node, sgn, params, withdraw.Config{
		MasterKey:     cfg.MasterKey,
		Instance:      cfg.Instance,
		Confirmations: cfg.Confirmations,
		FeeTarget:     cfg.FeeTarget,
		MaxInputs:     cfg.MaxInputs,
		Alerts:        d.alerts,
	})
	if err != nil {
		return nil, err
	}
	rec, err := reconcile.NewBitcoin(d.ledger, node, reconcile.Config{
		MasterKey:     cfg.MasterKey,
		Instance:      cfg.Instance,
		Confirmations: cfg.Confirmations,
	})
	if err != nil {
		return nil, err
	}
	return processor.NewBitcoin(processor.Services{Addresses: addrs, Deposits: mon, Withdrawals: orch, Reconciler: rec})
}

// registerInstance records the bitcoind instance. A changed credential is
// logged so operators notice a node swap behind the same name.
func (d *Daemon) registerInstance(params *chaincfg.Params) error {
	cfg := d.cfg.BTC
	endpoint, user, pass := splitCredentials(cfg.NodeURL)
	hash := crypto.CredentialHash(cfg.Instance, user, pass)

	if prev, err := d.ledger.Instance(types.BTC, cfg.Instance); err == nil {
		if prev.CredentialHash == hash && prev.URL == endpoint {
			return nil
		}
		d.logger.Warn().Str("instance", cfg.Instance).Str("url", endpoint).Msg("bitcoind instance endpoint or credential changed")
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	d.logger.Info().Str("instance", cfg.Instance).Str("url", endpoint).Str("net", params.Name).Msg("Registering bitcoind instance")
	return d.ledger.PutInstance(&ledger.ChainInstance{
		Name:           cfg.Instance,
		Currency:       types.BTC,
		URL:            endpoint,
		CredentialHash: hash,
	})
}

func (d *Daemon) ethereum(node eth.Node, sgn signer.Signer) (*processor.Ethereum, error) {
	cfg := d.cfg.ETH
	if node == nil {
		client, err := eth.Dial(d.ctx, cfg.NodeURL, nodeTimeout)
		if err != nil {
			return nil, err
		}
		d.closer = append(d.closer, client.Close)
		node = client
	}

	addrs, err := address.New(d.ledger, address.Config{
		Currency:  types.ETH,
		MasterKey: cfg.MasterKey,
		Verifier:  d.verifier(),
	})
	if err != nil {
		return nil, err
	}
	mon, err := deposit.NewEthereum(d.ledger, node, deposit.Config{
		Confirmations: cfg.Confirmations,
		MaxBlocks:     cfg.MaxBlocks,
	})
	if err != nil {
		return nil, err
	}
	orch, err := withdraw.NewEthereum(d.ledger, node, sgn, withdraw.Config{
		MasterKey:     cfg.MasterKey,
		Confirmations: cfg.Confirmations,
		Alerts:        d.alerts,
	})
	if err != nil {
		return nil, err
	}
	rec, err := reconcile.NewEthereum(d.ledger, node, reconcile.Config{
		MasterKey:     cfg.MasterKey,
		Confirmations: cfg.Confirmations,
	})
	if err != nil {
		return nil, err
	}
	return processor.NewEthereum(processor.Services{Addresses: addrs, Deposits: mon, Withdrawals: orch, Reconciler: rec})
}

// Start launches the servers and the background passes.
func (d *Daemon) Start() error {
	if d.signerServer != nil {
		if err := d.signerServer.Start(); err != nil {
			return err
		}
		d.logger.Info().Str("addr", d.signerServer.Addr()).Msg("Signer started")
		return nil
	}

	if d.remote != nil {
		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.Signer.Timeout)
		err := d.remote.Ping(ctx)
		cancel()
		if err != nil {
			// Withdrawals fail until the signer is reachable.
			d.logger.Warn().Err(err).Str("url", d.cfg.Signer.URL).Msg("Remote signer unreachable")
		}
	}

	if d.apiServer != nil {
		if err := d.apiServer.Start(); err != nil {
			return err
		}
	}
	for _, p := range d.passes {
		d.wg.Add(1)
		go func(p processor.Pass) {
			defer d.wg.Done()
			d.runLoop(p)
		}(p)
	}

	d.logger.Info().
		Int("passes", len(d.passes)).
		Dur("interval", d.cfg.PassInterval).
		Str("api", d.APIAddr()).
		Msg("Processor started")
	return nil
}

// Stop performs graceful shutdown in reverse order.
func (d *Daemon) Stop() {
	d.cancel()
	if d.apiServer != nil {
		d.apiServer.Stop()
	}
	if d.signerServer != nil {
		d.signerServer.Stop()
	}
	d.wg.Wait()
	d.close()
	d.logger.Info().Msg("Goodbye!")
}

func (d *Daemon) close() {
	d.cancel()
	for _, fn := range d.closer {
		fn()
	}
	d.closer = nil
	if d.vault != nil {
		d.vault.Close()
	}
	if d.db != nil {
		d.db.Close()
		d.db = nil
	}
}

// APIAddr returns the address the REST server is listening on.
func (d *Daemon) APIAddr() string {
	if d.apiServer == nil {
		return ""
	}
	return d.apiServer.Addr()
}

// SignerAddr returns the address the signer server is listening on.
func (d *Daemon) SignerAddr() string {
	if d.signerServer == nil {
		return ""
	}
	return d.signerServer.Addr()
}

// Processors returns the enabled currency processors. Nil in signer mode.
func (d *Daemon) Processors() *processor.Set {
	return d.set
}

// Ledger returns the daemon's ledger.
func (d *Daemon) Ledger() *ledger.Ledger {
	return d.ledger
}
