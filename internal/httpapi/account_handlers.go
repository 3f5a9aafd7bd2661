package httpapi

import (
	"net/http"
	"time"

	"creditscribe.org/internal/accounts"
	"creditscribe.org/internal/audit"
	"creditscribe.org/internal/ledger"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Message   string         `json:"message"`
	User      ledger.Account `json:"user"`
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := a.svc.Accounts.Register(r.Context(), accounts.Registration{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "account.registered", map[string]any{
		"account_id":      sess.Account.ID,
		"opening_credits": sess.Account.Balance,
	})
	writeJSON(w, http.StatusCreated, sessionResponse{
		Message:   "User created successfully",
		User:      sess.Account,
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt,
	})
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := a.svc.Accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		_ = audit.LogEvent(r.Context(), "account.login_failed", map[string]any{"email": req.Email})
		writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "account.login", map[string]any{"account_id": sess.Account.ID})
	writeJSON(w, http.StatusOK, sessionResponse{
		Message:   "Login successful",
		User:      sess.Account,
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt,
	})
}

func (a *API) profile(w http.ResponseWriter, r *http.Request) {
	acct, err := a.svc.Accounts.Profile(r.Context(), accountFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": acct})
}
