package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/olegvg/cryptoms/internal/keyvault"
	"github.com/olegvg/cryptoms/pkg/types"
	"github.com/shopspring/decimal"
)

// MasterKey is a provisioned wallet root. Only sealed material is stored.
type MasterKey struct {
	keyvault.Record
	CreatedAt time.Time `json:"created_at"`
}

// ChainInstance is one chain node endpoint. The credential is kept only as
// a hash so this record never duplicates the node password.
type ChainInstance struct {
	Name           string         `json:"name"`
	Currency       types.Currency `json:"currency"`
	URL            string         `json:"url"`
	CredentialHash string         `json:"credential_hash,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Address is an issued deposit or change address with its cached balance.
type Address struct {
	Address   string          `json:"address"`
	Currency  types.Currency  `json:"currency"`
	MasterKey string          `json:"masterkey"`
	Path      string          `json:"path"`
	Index     uint32          `json:"index"`
	Amount    decimal.Decimal `json:"amount"`
	Populated bool            `json:"populated"`
	Instance  string          `json:"instance,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Deposit is one observed incoming transfer, identified by
// types.DepositID(address, txid).
type Deposit struct {
	ID           uuid.UUID           `json:"id"`
	Currency     types.Currency      `json:"currency"`
	Address      string              `json:"address"`
	TxID         string              `json:"txid"`
	Amount       decimal.Decimal     `json:"amount"`
	Status       types.DepositStatus `json:"status"`
	Acknowledged bool                `json:"acknowledged"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Withdrawal is one outgoing transfer keyed by the caller's u_txid.
type Withdrawal struct {
	ID           uuid.UUID              `json:"id"`
	Currency     types.Currency         `json:"currency"`
	Destination  string                 `json:"destination"`
	Amount       decimal.Decimal        `json:"amount"`
	Status       types.WithdrawalStatus `json:"status"`
	TxIDs        []string               `json:"txids,omitempty"`
	Acknowledged bool                   `json:"acknowledged"`
	Reason       string                 `json:"reason,omitempty"`

	// BTC: the prepared transaction and its inputs. PreparedTx is the
	// signed hex, kept for rebroadcast.
	PreparedTxID  string          `json:"prepared_txid,omitempty"`
	PreparedTx    string          `json:"prepared_tx,omitempty"`
	Sources       []string        `json:"sources,omitempty"`
	ChangeAddress string          `json:"change_address,omitempty"`
	Fee           decimal.Decimal `json:"fee"`

	// ETH: one leg per native transaction.
	Legs []Leg `json:"legs,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Leg is one native transaction of an account-model withdrawal.
type Leg struct {
	TxID      string          `json:"txid"`
	Source    string          `json:"source"`
	Amount    decimal.Decimal `json:"amount"`
	MaxFee    decimal.Decimal `json:"max_fee"`
	Nonce     uint64          `json:"nonce"`
	Confirmed bool            `json:"confirmed"`
	Reverted  bool            `json:"reverted"`
	Fee       decimal.Decimal `json:"fee"`
	// Raw is the signed transaction, kept for rebroadcast.
	Raw string `json:"raw,omitempty"`
}

// Reserved is the amount the leg can still take from its source.
func (l Leg) Reserved() decimal.Decimal {
	if l.Confirmed {
		return decimal.Zero
	}
	return l.Amount.Add(l.MaxFee)
}

// Settled reports whether every leg has confirmed.
func (w *Withdrawal) Settled() bool {
	for _, l := range w.Legs {
		if !l.Confirmed {
			return false
		}
	}
	return len(w.Legs) > 0
}

// PendingTxIDs returns the txids of legs that have not confirmed.
func (w *Withdrawal) PendingTxIDs() []string {
	var out []string
	for _, l := range w.Legs {
		if !l.Confirmed {
			out = append(out, l.TxID)
		}
	}
	return out
}

// ChangeLog records a change output produced by a withdrawal.
type ChangeLog struct {
	TxID       string         `json:"txid"`
	Currency   types.Currency `json:"currency"`
	Address    string         `json:"address"`
	Withdrawal uuid.UUID      `json:"withdrawal"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Watermark is the last block fully scanned by a deposit pass at a given
// confirmation depth on one chain instance.
type Watermark struct {
	Instance      string    `json:"instance"`
	Confirmations int64     `json:"confirmations"`
	BlockHash     string    `json:"block_hash"`
	Height        int64     `json:"height"`
	UpdatedAt     time.Time `json:"updated_at"`
}
