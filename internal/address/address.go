// Package address issues deposit and change addresses.
//
// Indices are appended monotonically per (master key, path). The ledger's
// uniqueness check on those coordinates arbitrates concurrent claims: the
// loser recomputes the index and retries. Bitcoin addresses are then
// imported into the node wallet; the row is committed first and marked
// populated only after the import succeeds, so a failed import is retried
// later by PopulatePending.
package address

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/olegvg/cryptoms/internal/chain/btc"
	"github.com/olegvg/cryptoms/internal/keyvault"
	"github.com/olegvg/cryptoms/internal/ledger"
	klog "github.com/olegvg/cryptoms/internal/log"
	"github.com/olegvg/cryptoms/internal/metrics"
	"github.com/olegvg/cryptoms/pkg/types"
	"github.com/rs/zerolog"
)

// ErrIntegrity is returned when a derived address does not match its
// re-derivation.
var ErrIntegrity = keyvault.ErrIntegrity

// claimAttempts bounds how often a claim recomputes its index after
// losing a race.
const claimAttempts = 8

// Verifier re-derives an address from private key material.
// *keyvault.Vault implements it.
type Verifier interface {
	Verify(name, path string, index uint32, addr string) error
}

// Config selects the wallet the service issues from.
type Config struct {
	Currency  types.Currency
	MasterKey string
	// Instance is the bitcoind instance name recorded on BTC addresses.
	Instance string
	// Node receives watch-only imports. Required for BTC.
	Node btc.Node
	// Verifier, when set, cross-checks every new address against the
	// private derivation.
	Verifier Verifier
}

// Service issues addresses for one currency.
type Service struct {
	cfg    Config
	ledger *ledger.Ledger
	key    *ledger.MasterKey

	mu     sync.Mutex // serializes claims within this process
	logger zerolog.Logger
}

// New creates the service. The master key must be provisioned.
func New(l *ledger.Ledger, cfg Config) (*Service, error) {
	if cfg.Currency == types.BTC && cfg.Node == nil {
		return nil, fmt.Errorf("bitcoin address service requires a node")
	}
	mk, err := l.MasterKey(cfg.Currency, cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("load master key: %w", err)
	}
	return &Service{
		cfg:    cfg,
		ledger: l,
		key:    mk,
		logger: klog.WithCurrency(klog.Address, cfg.Currency.String()),
	}, nil
}

// MasterKey returns the name of the issuing master key.
func (s *Service) MasterKey() string { return s.key.Name }

// Path returns the account derivation path addresses are issued under.
func (s *Service) Path() string { return s.key.Path }

// ClaimNext issues the address at the next free index.
func (s *Service) ClaimNext(ctx context.Context) (*ledger.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < claimAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, err := s.nextIndex()
		if err != nil {
			return nil, err
		}
		a, err := s.create(next)
		if errors.Is(err, ledger.ErrAddressExists) {
			metrics.AddressClaimConflicts.WithLabelValues(s.cfg.Currency.String()).Inc()
			s.logger.Debug().Uint32("index", next).Int("attempt", attempt+1).Msg("Index taken, retrying claim")
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}
		metrics.AddressesClaimed.WithLabelValues(s.cfg.Currency.String()).Inc()
		s.logger.Info().Str("address", a.Address).Uint32("index", a.Index).Msg("Address claimed")

		if err := s.Populate(ctx, []*ledger.Address{a}); err != nil {
			// The row stays unpopulated; PopulatePending retries the import.
			s.logger.Warn().Err(err).Str("address", a.Address).Msg("Watch import failed")
		} else {
			a.Populated = true
		}
		return a, nil
	}
	return nil, fmt.Errorf("claim address after %d attempts: %w", claimAttempts, lastErr)
}

// CreateBatch issues n addresses at indices from, from+1, ... without
// importing them. Existing indices fail with ledger.ErrAddressExists.
func (s *Service) CreateBatch(ctx context.Context, from uint32, n int) ([]*ledger.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*ledger.Address, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		a, err := s.create(from + uint32(i))
		if err != nil {
			return out, err
		}
		out = append(out, a)
	}
	metrics.AddressesClaimed.WithLabelValues(s.cfg.Currency.String()).Add(float64(len(out)))
	s.logger.Info().Uint32("from", from).Int("count", len(out)).Msg("Address batch created")
	return out, nil
}

func (s *Service) nextIndex() (uint32, error) {
	idx, found, err := s.ledger.MaxIndex(s.cfg.Currency, s.key.Name, s.key.Path)
	if err != nil {
		return 0, fmt.Errorf("max index: %w", err)
	}
	if !found {
		return 0, nil
	}
	if idx >= 1<<31-1 {
		return 0, fmt.Errorf("address index space exhausted on %s/%s", s.key.Name, s.key.Path)
	}
	return idx + 1, nil
}

// create derives, checks and persists the address at index.
func (s *Service) create(index uint32) (*ledger.Address, error) {
	addr, err := keyvault.DeriveAddress(s.cfg.Currency, s.key.AccountXPub, index, s.key.Testnet)
	if err != nil {
		return nil, fmt.Errorf("derive index %d: %w", index, err)
	}
	a := &ledger.Address{
		Address:   addr,
		Currency:  s.cfg.Currency,
		MasterKey: s.key.Name,
		Path:      s.key.Path,
		Index:     index,
		// Account-model addresses need no node-side registration.
		Populated: s.cfg.Currency != types.BTC,
		CreatedAt: time.Now().UTC(),
	}
	if s.cfg.Currency == types.BTC {
		a.Instance = s.cfg.Instance
	}
	if err := s.CheckIntegrity(a); err != nil {
		return nil, err
	}
	if err := s.ledger.InsertAddress(a); err != nil {
		return nil, err
	}
	return a, nil
}

// CheckIntegrity re-derives a stored address from its coordinates and
// compares the result.
func (s *Service) CheckIntegrity(a *ledger.Address) error {
	if a.MasterKey != s.key.Name || a.Path != s.key.Path {
		return fmt.Errorf("%w: %s is on %s/%s, service issues %s/%s",
			ErrIntegrity, a.Address, a.MasterKey, a.Path, s.key.Name, s.key.Path)
	}
	derived, err := keyvault.DeriveAddress(s.cfg.Currency, s.key.AccountXPub, a.Index, s.key.Testnet)
	if err != nil {
		return err
	}
	if !sameAddress(s.cfg.Currency, derived, a.Address) {
		return fmt.Errorf("%w: index %d derives %s, have %s", ErrIntegrity, a.Index, derived, a.Address)
	}
	if s.cfg.Verifier != nil {
		if err := s.cfg.Verifier.Verify(a.MasterKey, a.Path, a.Index, a.Address); err != nil {
			return err
		}
	}
	return nil
}

func sameAddress(c types.Currency, a, b string) bool {
	if c == types.ETH {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// Populate imports BTC addresses into the node wallet as watch-only, with
// a rescan from each address's creation time. Addresses whose import
// succeeded are marked populated; the others are reported in the error.
// It is a no-op for account-model currencies.
func (s *Service) Populate(ctx context.Context, addrs []*ledger.Address) error {
	if s.cfg.Currency != types.BTC || len(addrs) == 0 {
		return nil
	}
	reqs := make([]btc.ImportRequest, len(addrs))
	for i, a := range addrs {
		reqs[i] = btc.ImportRequest{
			Address:   a.Address,
			Timestamp: a.CreatedAt.Unix(),
			Label:     s.key.Name,
		}
	}
	results, err := s.cfg.Node.ImportMulti(ctx, reqs, true)
	if err != nil {
		return fmt.Errorf("importmulti: %w", err)
	}
	if len(results) != len(reqs) {
		return fmt.Errorf("importmulti returned %d results for %d requests", len(results), len(reqs))
	}

	var (
		ok     []string
		failed []string
	)
	for i, r := range results {
		if r.Success {
			ok = append(ok, addrs[i].Address)
			continue
		}
		msg := "unknown error"
		if r.Error != nil {
			msg = r.Error.Message
		}
		failed = append(failed, fmt.Sprintf("%s (%s)", addrs[i].Address, msg))
	}
	if len(ok) > 0 {
		if err := s.ledger.SetPopulated(s.cfg.Currency, ok); err != nil {
			return fmt.Errorf("mark populated: %w", err)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("importmulti failed for %s", strings.Join(failed, ", "))
	}
	return nil
}

// PopulatePending retries the import of every unpopulated address and
// returns how many remain unpopulated.
func (s *Service) PopulatePending(ctx context.Context) (int, error) {
	if s.cfg.Currency != types.BTC {
		return 0, nil
	}
	no := false
	pending, err := s.ledger.Addresses(s.cfg.Currency, ledger.AddressFilter{MasterKey: s.key.Name, Populated: &no})
	if err != nil {
		return 0, err
	}
	gauge := metrics.AddressesUnpopulated.WithLabelValues(s.cfg.Currency.String())
	if len(pending) == 0 {
		gauge.Set(0)
		return 0, nil
	}
	popErr := s.Populate(ctx, pending)
	left, err := s.ledger.Addresses(s.cfg.Currency, ledger.AddressFilter{MasterKey: s.key.Name, Populated: &no})
	if err != nil {
		return 0, err
	}
	gauge.Set(float64(len(left)))
	if popErr != nil {
		return len(left), popErr
	}
	s.logger.Info().Int("imported", len(pending)).Msg("Pending addresses imported")
	return len(left), nil
}
