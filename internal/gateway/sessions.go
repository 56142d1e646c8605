package gateway

import (
	"net/http"

	"github.com/crosslogic/session-billing/internal/liveness"
	"github.com/crosslogic/session-billing/internal/session"
	"github.com/crosslogic/session-billing/pkg/apperr"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const headerReplayed = "Idempotent-Replayed"

type startSessionRequest struct {
	ResourceID    string `json:"resource_id"`
	PayeeID       string `json:"payee_id"`
	RatePerMinute int64  `json:"rate_per_minute,omitempty"`
	MaxMinutes    int64  `json:"max_minutes,omitempty"`
}

type startSessionResponse struct {
	UsageID      string         `json:"usage_id"`
	EscrowAmount int64          `json:"escrow_amount"`
	Status       session.Status `json:"status"`
}

type heartbeatRequest struct {
	Status liveness.HeartbeatStatus `json:"status,omitempty"`
}

type endSessionRequest struct {
	Rating *int `json:"rating,omitempty"`
}

type statusResponse struct {
	UsageID string         `json:"usage_id"`
	Status  session.Status `json:"status"`
}

// handleStartSession opens a session with the caller as payer.
func (g *Gateway) handleStartSession(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	var req startSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, err)
		return
	}

	u, replayed, err := g.machine.Start(r.Context(), session.StartRequest{
		ResourceID:     req.ResourceID,
		PayerID:        userID,
		PayeeID:        req.PayeeID,
		RatePerMinute:  req.RatePerMinute,
		MaxMinutes:     req.MaxMinutes,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		g.writeError(w, err)
		return
	}

	status := http.StatusCreated
	if replayed {
		w.Header().Set(headerReplayed, "true")
		status = http.StatusOK
	}
	g.writeJSON(w, status, startSessionResponse{
		UsageID:      u.ID,
		EscrowAmount: u.EscrowAmount,
		Status:       u.Status,
	})
}

func (g *Gateway) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	usageID, ok := g.authorizeParticipant(w, r)
	if !ok {
		return
	}
	view, err := g.machine.Status(r.Context(), usageID)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, view)
}

func (g *Gateway) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	usageID, ok := g.authorizeParticipant(w, r)
	if !ok {
		return
	}

	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, err)
		return
	}

	result, err := g.machine.Heartbeat(r.Context(), usageID, req.Status)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, result)
}

func (g *Gateway) handlePause(w http.ResponseWriter, r *http.Request) {
	usageID, ok := g.authorizeParticipant(w, r)
	if !ok {
		return
	}
	u, err := g.machine.Pause(r.Context(), usageID)
	g.writeStatus(w, u, err)
}

func (g *Gateway) handleResume(w http.ResponseWriter, r *http.Request) {
	usageID, ok := g.authorizeParticipant(w, r)
	if !ok {
		return
	}
	u, err := g.machine.Resume(r.Context(), usageID)
	g.writeStatus(w, u, err)
}

func (g *Gateway) handleEndSession(w http.ResponseWriter, r *http.Request) {
	u, ok := g.participant(w, r)
	if !ok {
		return
	}

	var req endSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, err)
		return
	}

	// Only the payer rates the session.
	if userID, _ := UserIDFromContext(r.Context()); req.Rating != nil && userID != u.PayerID {
		g.logger.Warn("rating from non-payer rejected",
			zap.String("usage_id", u.ID),
			zap.String("user_id", userID),
		)
		g.writeError(w, apperr.New(apperr.CodeForbidden, "only the payer may rate a session").
			WithDetail("usage_id", u.ID))
		return
	}

	g.endSession(w, r, u.ID, req.Rating)
}

func (g *Gateway) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	usageID, ok := g.authorizeParticipant(w, r)
	if !ok {
		return
	}
	u, err := g.machine.Cancel(r.Context(), usageID, false)
	g.writeStatus(w, u, err)
}

func (g *Gateway) handleWallet(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	balance, err := g.ledger.Balance(r.Context(), userID)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": userID,
		"balance":    balance,
	})
}

func (g *Gateway) endSession(w http.ResponseWriter, r *http.Request, usageID string, rating *int) {
	bill, replayed, err := g.machine.End(r.Context(), usageID, rating)
	if err != nil {
		g.writeError(w, err)
		return
	}
	if replayed {
		w.Header().Set(headerReplayed, "true")
	}
	g.writeJSON(w, http.StatusOK, bill)
}

func (g *Gateway) writeStatus(w http.ResponseWriter, u *session.Usage, err error) {
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, statusResponse{UsageID: u.ID, Status: u.Status})
}

// authorizeParticipant resolves {usage_id} and checks that the caller is its
// payer or payee. On failure the error response has already been written.
func (g *Gateway) authorizeParticipant(w http.ResponseWriter, r *http.Request) (string, bool) {
	u, ok := g.participant(w, r)
	if !ok {
		return "", false
	}
	return u.ID, true
}

func (g *Gateway) participant(w http.ResponseWriter, r *http.Request) (*session.Usage, bool) {
	usageID := chi.URLParam(r, "usage_id")
	userID, _ := UserIDFromContext(r.Context())

	u, err := g.machine.Get(r.Context(), usageID)
	if err != nil {
		g.writeError(w, err)
		return nil, false
	}
	if !u.IsParticipant(userID) {
		g.logger.Warn("non-participant access denied",
			zap.String("usage_id", usageID),
			zap.String("user_id", userID),
		)
		g.writeError(w, apperr.New(apperr.CodeForbidden, "caller is not a participant of this session").
			WithDetail("usage_id", usageID))
		return nil, false
	}
	return u, true
}

// Admin handlers

func (g *Gateway) handleAdminEnd(w http.ResponseWriter, r *http.Request) {
	g.endSession(w, r, chi.URLParam(r, "usage_id"), nil)
}

func (g *Gateway) handleAdminCancel(w http.ResponseWriter, r *http.Request) {
	u, err := g.machine.Cancel(r.Context(), chi.URLParam(r, "usage_id"), true)
	g.writeStatus(w, u, err)
}

func (g *Gateway) handleAdminDispute(w http.ResponseWriter, r *http.Request) {
	u, err := g.machine.Dispute(r.Context(), chi.URLParam(r, "usage_id"))
	g.writeStatus(w, u, err)
}

type creditRequest struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

// handleAdminCredit adds funds to a wallet. The reference is the idempotency
// key, so a retried credit is applied once.
func (g *Gateway) handleAdminCredit(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "account_id")

	var req creditRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, err)
		return
	}
	if req.Reference == "" {
		g.writeError(w, apperr.InvalidInput("reference is required"))
		return
	}

	replayed, err := g.ledger.Credit(r.Context(), accountID, req.Amount, "admin:"+req.Reference)
	if err != nil {
		g.writeError(w, err)
		return
	}
	balance, err := g.ledger.Balance(r.Context(), accountID)
	if err != nil {
		g.writeError(w, err)
		return
	}

	g.logger.Info("wallet credited by admin",
		zap.String("account_id", accountID),
		zap.Int64("amount", req.Amount),
		zap.String("reference", req.Reference),
		zap.Bool("already_processed", replayed),
	)
	if replayed {
		w.Header().Set(headerReplayed, "true")
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": accountID,
		"balance":    balance,
		"replayed":   replayed,
	})
}
