// Package httpapi is the HTTP face of the faucet: request parsing, caller identity,
// CORS and the mapping from faucet outcomes to status codes and JSON bodies.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/safro/faucet-platform/internal/chain"
	"github.com/safro/faucet-platform/internal/faucet"
)

const maxBodyBytes = 64 * 1024

const (
	allowHeaders = "authorization, x-client-info, apikey, content-type"

	msgMethodNotAllowed     = "Method not allowed"
	msgBodyTooLarge         = "Request body too large"
	msgInvalidJSON          = "Invalid JSON body"
	msgIdentityUndetermined = "IP address could not be determined"
	msgTooManyRequests      = "Too many requests, slow down"
	msgLedgerUnavailable    = "Rate limit ledger unavailable"
)

// Faucet is the core the handler drives. *faucet.Service implements it.
type Faucet interface {
	Handle(ctx context.Context, req faucet.Request) faucet.Outcome
}

type faucetRequest struct {
	Receiver string `json:"receiver"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Success *bool  `json:"success,omitempty"`
}

type transferResponse struct {
	Success         bool        `json:"success"`
	TransactionHash string      `json:"transactionHash"`
	ChainID         string      `json:"chainId"`
	Height          int64       `json:"height"`
	Amount          chain.Coin  `json:"amount"`
	SenderAddress   string      `json:"senderAddress"`
	ReceiverAddress string      `json:"receiverAddress"`
	Memo            string      `json:"memo"`
	SenderBalance   chain.Coins `json:"senderBalance"`
	ReceiverBalance chain.Coins `json:"receiverBalance"`
	GasUsed         string      `json:"gasUsed"`
	GasWanted       string      `json:"gasWanted"`
	ExplorerTxURL   string      `json:"explorerTxUrl"`
}

func newTransferResponse(res *faucet.TransferResult) transferResponse {
	out := transferResponse{
		Success:         true,
		TransactionHash: res.TransactionHash,
		ChainID:         res.ChainID,
		Height:          res.Height,
		Amount:          res.Amount,
		SenderAddress:   res.SenderAddress,
		ReceiverAddress: res.ReceiverAddress,
		Memo:            res.Memo,
		SenderBalance:   res.SenderBalance,
		ReceiverBalance: res.ReceiverBalance,
		GasUsed:         res.GasUsed,
		GasWanted:       res.GasWanted,
		ExplorerTxURL:   res.ExplorerURL,
	}
	if out.SenderBalance == nil {
		out.SenderBalance = chain.Coins{}
	}
	if out.ReceiverBalance == nil {
		out.ReceiverBalance = chain.Coins{}
	}
	return out
}

// Handler serves POST /faucet.
type Handler struct {
	Faucet Faucet
	// TrustRemoteAddr uses the connection address when no proxy header names the caller.
	TrustRemoteAddr bool
	Burst           *BurstGuard
	// RequestTimeout bounds admission plus dispatch. The work is detached from the
	// client connection, so a disconnecting caller does not abort a broadcast.
	RequestTimeout time.Duration
	Log            *slog.Logger
	Metrics        *Metrics
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", allowHeaders)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: msgMethodNotAllowed})
		return
	}

	identity := ClientIdentity(r, h.TrustRemoteAddr)
	if identity != "" && !h.Burst.Allow(identity) {
		h.Metrics.recordBurstLimited()
		h.log().Warn("burst limit", "ip", identity)
		writeError(w, http.StatusTooManyRequests, msgTooManyRequests)
		return
	}

	var body faucetRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		h.log().Warn("invalid body", "ip", identity, "err", err)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, msgBodyTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	if h.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.RequestTimeout)
		defer cancel()
	}
	out := h.Faucet.Handle(ctx, faucet.Request{
		Identity: identity,
		Receiver: strings.TrimSpace(body.Receiver),
	})
	h.respond(w, out)
}

func (h *Handler) respond(w http.ResponseWriter, out faucet.Outcome) {
	switch {
	case out.Err != nil:
		if faucet.KindOf(out.Err) == faucet.LedgerUnavailable {
			writeError(w, http.StatusServiceUnavailable, msgLedgerUnavailable)
			return
		}
		writeError(w, http.StatusInternalServerError, out.Err.Error())
	case out.Result != nil:
		writeJSON(w, http.StatusOK, newTransferResponse(out.Result))
	default:
		d := out.Decision
		switch d.Reason {
		case faucet.IdentityUndetermined:
			writeError(w, http.StatusBadRequest, msgIdentityUndetermined)
		case faucet.RateLimitExceeded:
			writeError(w, http.StatusTooManyRequests,
				fmt.Sprintf("Rate limit exceeded. Only %d faucet requests allowed per 24h from the same IP.", d.Limit))
		case faucet.InvalidAddress:
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error: "Invalid receiver address. Must start with: " + d.Prefix,
			})
		default:
			writeError(w, http.StatusInternalServerError, "request was neither served nor denied")
		}
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	success := false
	writeJSON(w, status, errorResponse{Error: msg, Success: &success})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("encode response", "err", err)
		status = http.StatusInternalServerError
		body = []byte(`{"error":"internal","success":false}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func (h *Handler) log() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}
