package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/olegvg/cryptoms/internal/ledger"
	"github.com/olegvg/cryptoms/internal/processor"
	"github.com/olegvg/cryptoms/internal/withdraw"
	"github.com/olegvg/cryptoms/pkg/types"
)

// processorFor resolves the {currency} path parameter. It writes the
// error response and returns nil when the currency is unknown (404) or
// not enabled (501).
func (s *Server) processorFor(w http.ResponseWriter, r *http.Request) processor.Processor {
	c, err := types.ParseCurrency(chi.URLParam(r, "currency"))
	if err != nil {
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
		return nil
	}
	p, err := s.set.For(c)
	if err != nil {
		writeError(w, http.StatusNotImplemented, CodeNotImplemented, err.Error())
		return nil
	}
	return p
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var enabled []types.Currency
	for _, p := range s.set.Enabled() {
		enabled = append(enabled, p.Currency())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "currencies": enabled})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	p := s.processorFor(w, r)
	if p == nil {
		return
	}
	a, err := p.ClaimAddress(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Str("currency", p.Currency().String()).Msg("Address claim failed")
		writeError(w, http.StatusNotImplemented, CodeNotImplemented, "address allocation failed")
		return
	}
	writeJSON(w, http.StatusOK, ClaimResponse{WalletAddress: a.Address})
}

func (s *Server) handleReconcile(enforce bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := s.processorFor(w, r)
		if p == nil {
			return
		}
		res, err := p.Reconcile(r.Context(), enforce)
		if err != nil {
			s.logger.Error().Err(err).Str("currency", p.Currency().String()).Bool("enforce", enforce).Msg("Reconciliation failed")
			writeError(w, http.StatusBadGateway, CodeUpstream, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, ReconcileResponse{
			ActualBalances: res.Balances,
			Drifted:        res.Drifted,
			InFlight:       res.InFlight,
		})
	}
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, CodeBadRequest, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON: "+err.Error())
		return
	}
	id, err := types.ParseTxID(req.TxID)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	c, err := types.ParseCurrency(req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	p, err := s.set.For(c)
	if err != nil {
		writeError(w, http.StatusNotImplemented, CodeNotImplemented, err.Error())
		return
	}

	out, err := p.Withdraw(r.Context(), withdraw.Request{ID: id, Destination: req.WalletAddr, Amount: req.Amount})
	switch {
	case errors.Is(err, withdraw.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	case errors.Is(err, withdraw.ErrUnrecordedBroadcast) && out != nil && out.Status == types.WithdrawalPending:
		// Funds are held against the transaction; report it as pending.
		s.logger.Error().Err(err).Str("id", id.String()).Msg("Withdrawal broadcast outcome unknown")
	case err != nil:
		s.logger.Error().Err(err).Str("id", id.String()).Msg("Withdrawal error")
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, withdrawalResponse(out))
}

func (s *Server) handleWithdrawalStatus(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseTxID(chi.URLParam(r, "u_txid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	out, err := s.set.Withdrawal(id)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeNotFound, "unknown tx_id "+id.String())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, withdrawalResponse(out))
}

func withdrawalResponse(w *ledger.Withdrawal) WithdrawalResponse {
	return WithdrawalResponse{TxID: w.ID.String(), Status: string(w.Status), Reason: w.Reason}
}
