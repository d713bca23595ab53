package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/campaigner/internal/accounts"
	"github.com/foxzi/campaigner/internal/models"
	"github.com/foxzi/campaigner/internal/repository"
	"github.com/foxzi/campaigner/internal/smtp"
)

// smtpVerifyTimeout bounds the credential check of POST /accounts/smtp
const smtpVerifyTimeout = 30 * time.Second

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	Busy    bool   `json:"scheduler_busy"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// CampaignResponse is the response for GET /campaigns/{id}
type CampaignResponse struct {
	*models.Campaign
	Recipients models.RecipientCounts `json:"recipients"`
}

// SendNowResponse is the response for POST /campaigns/{id}/send
type SendNowResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// AccountSummary describes a connected account without its secrets
type AccountSummary struct {
	Email       string             `json:"email"`
	Type        models.AccountType `json:"type"`
	Host        string             `json:"host,omitempty"`
	TokenExpiry *time.Time         `json:"token_expiry,omitempty"`
	ConnectedAt time.Time          `json:"connected_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// SMTPAccountRequest is the request body for POST /accounts/smtp
type SMTPAccountRequest struct {
	Email    string `json:"email"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Secure   bool   `json:"secure"`
	Username string `json:"username"`
	Password string `json:"password"`
	FromName string `json:"from_name"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.opts.Version,
		Uptime:  time.Since(s.startTime).String(),
	}
	if s.opts.Scheduler != nil {
		resp.Busy = s.opts.Scheduler.Busy()
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	c, err := s.opts.Campaigns.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get campaign", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get campaign")
		return
	}
	if c == nil {
		s.sendError(w, http.StatusNotFound, "Campaign not found")
		return
	}

	counts, err := s.opts.Recipients.Counts(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to count recipients", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to count recipients")
		return
	}

	s.sendJSON(w, http.StatusOK, CampaignResponse{Campaign: c, Recipients: counts})
}

// handleSendNow handles POST /api/v1/campaigns/{id}/send
func (s *Server) handleSendNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.opts.Campaigns.QueueNow(r.Context(), id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "Campaign not found")
		return
	case errors.Is(err, repository.ErrInvalidState):
		s.sendError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("failed to queue campaign", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to queue campaign")
		return
	}

	s.opts.Scheduler.Trigger()
	s.logger.Info("campaign queued for immediate sending", "id", id)

	s.sendJSON(w, http.StatusAccepted, SendNowResponse{
		ID:     id,
		Status: string(models.CampaignQueued),
	})
}

// handlePoll handles POST /api/v1/scheduler/poll
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	busy := s.opts.Scheduler.Busy()
	s.opts.Scheduler.Trigger()
	s.sendJSON(w, http.StatusAccepted, map[string]bool{
		"triggered": true,
		"busy":      busy,
	})
}

// handleAccounts handles GET /api/v1/accounts
func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := s.opts.Accounts.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list accounts", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list accounts")
		return
	}

	summaries := make([]AccountSummary, 0, len(list))
	for _, acc := range list {
		sum := AccountSummary{
			Email:       acc.Email,
			Type:        acc.Type,
			ConnectedAt: acc.ConnectedAt,
			UpdatedAt:   acc.UpdatedAt,
		}
		if acc.SMTP != nil {
			sum.Host = acc.SMTP.Host
		}
		if acc.Token != nil && !acc.Token.Expiry.IsZero() {
			exp := acc.Token.Expiry
			sum.TokenExpiry = &exp
		}
		summaries = append(summaries, sum)
	}
	s.sendJSON(w, http.StatusOK, summaries)
}

// handleAddSMTPAccount handles POST /api/v1/accounts/smtp.
// Credentials are verified against the server before they are stored.
func (s *Server) handleAddSMTPAccount(w http.ResponseWriter, r *http.Request) {
	var req SMTPAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	addr, err := mail.ParseAddress(req.Email)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "email is invalid")
		return
	}
	if req.Host == "" {
		s.sendError(w, http.StatusBadRequest, "host is required")
		return
	}
	if req.Port < 1 || req.Port > 65535 {
		s.sendError(w, http.StatusBadRequest, "port must be between 1 and 65535")
		return
	}
	if req.Username == "" {
		req.Username = addr.Address
	}

	settings := &models.SMTPSettings{
		Host:     strings.TrimSpace(req.Host),
		Port:     req.Port,
		Secure:   req.Secure,
		Username: req.Username,
		Password: req.Password,
		FromName: req.FromName,
	}

	ctx, cancel := context.WithTimeout(r.Context(), smtpVerifyTimeout)
	defer cancel()
	if err := s.opts.SMTP.Verify(ctx, settings); err != nil {
		code := "smtp_unreachable"
		if smtp.IsAuthError(err) {
			code = "smtp_auth_failed"
		}
		s.logger.Warn("smtp account verification failed", "email", addr.Address, "host", settings.Host, "error", err)
		s.sendJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	acc := &models.Account{
		Email: addr.Address,
		Type:  models.AccountSMTP,
		SMTP:  settings,
	}
	if err := s.opts.Accounts.Save(r.Context(), acc); err != nil {
		s.logger.Error("failed to save smtp account", "email", acc.Email, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to save account")
		return
	}

	s.logger.Info("smtp account connected", "email", acc.Email, "host", settings.Host)
	s.sendJSON(w, http.StatusCreated, AccountSummary{
		Email:       acc.Email,
		Type:        acc.Type,
		Host:        settings.Host,
		ConnectedAt: acc.ConnectedAt,
		UpdatedAt:   acc.UpdatedAt,
	})
}

// handleDeleteAccount handles DELETE /api/v1/accounts/{type}/{email}
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	typ := models.AccountType(chi.URLParam(r, "type"))
	email := chi.URLParam(r, "email")
	if !typ.Valid() {
		s.sendError(w, http.StatusBadRequest, "invalid account type")
		return
	}

	err := s.opts.Accounts.Delete(r.Context(), email, typ)
	if errors.Is(err, accounts.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "Account not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to delete account", "email", email, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to delete account")
		return
	}

	s.logger.Info("account disconnected", "email", email, "type", typ)
	w.WriteHeader(http.StatusNoContent)
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
