package signer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/olegvg/cryptoms/internal/keyvault"
	"github.com/olegvg/cryptoms/internal/rpcclient"
)

// Remote is a Signer backed by a signer daemon.
type Remote struct {
	client *rpcclient.Client
}

// NewRemote connects to the signer at endpoint. Credentials may be given
// in the URL userinfo.
func NewRemote(endpoint string, timeout time.Duration) (*Remote, error) {
	c, err := rpcclient.New(endpoint, rpcclient.WithTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("signer client: %w", err)
	}
	return &Remote{client: c}, nil
}

// Ping checks that the signer is reachable and has keys unlocked.
func (r *Remote) Ping(ctx context.Context) error {
	return remoteError(r.client.Call(ctx, MethodPing, nil, nil))
}

// SignBitcoin forwards req to the signer.
func (r *Remote) SignBitcoin(ctx context.Context, req *BitcoinRequest) (string, error) {
	var signed string
	if err := r.client.Call(ctx, MethodSignBitcoin, req, &signed); err != nil {
		return "", remoteError(err)
	}
	return signed, nil
}

// SignEthereum forwards req to the signer.
func (r *Remote) SignEthereum(ctx context.Context, req *EthereumRequest) (string, error) {
	var signed string
	if err := r.client.Call(ctx, MethodSignEthereum, req, &signed); err != nil {
		return "", remoteError(err)
	}
	return signed, nil
}

// remoteError maps application error codes back to sentinel errors.
func remoteError(err error) error {
	var rpcErr *rpcclient.RPCError
	if !errors.As(err, &rpcErr) {
		return err
	}
	switch rpcErr.Code {
	case CodeLocked:
		return fmt.Errorf("%w: %s", keyvault.ErrLocked, rpcErr.Message)
	case CodeIntegrity:
		return fmt.Errorf("%w: %s", keyvault.ErrIntegrity, rpcErr.Message)
	case CodeRejected:
		return fmt.Errorf("%w: %s", ErrRejected, rpcErr.Message)
	}
	return err
}

// ErrorCode returns the application code for err, or 0 when err is not a
// signer error.
func ErrorCode(err error) int {
	switch {
	case errors.Is(err, keyvault.ErrLocked):
		return CodeLocked
	case errors.Is(err, keyvault.ErrIntegrity):
		return CodeIntegrity
	case errors.Is(err, ErrRejected):
		return CodeRejected
	}
	return 0
}
