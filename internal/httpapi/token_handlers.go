package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"creditscribe.org/internal/access"
	"creditscribe.org/internal/audit"
)

type generateTokenResponse struct {
	Message string `json:"message"`
	access.Issued
}

func (a *API) generateToken(w http.ResponseWriter, r *http.Request) {
	issued, err := a.svc.Tokens.Issue(r.Context(), accountFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "access_token.issued", map[string]any{
		"token_id":   issued.ID,
		"prefix":     issued.Prefix,
		"expires_at": issued.ExpiresAt,
	})
	writeJSON(w, http.StatusOK, generateTokenResponse{
		Message: "Token generated successfully",
		Issued:  issued,
	})
}

func (a *API) listTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := a.svc.Tokens.ListActive(r.Context(), accountFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if tokens == nil {
		tokens = []access.Token{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

func (a *API) revokeToken(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "tokenID")
	if err := a.svc.Tokens.Revoke(r.Context(), accountFrom(r), tokenID); err != nil {
		writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "access_token.revoked", map[string]any{"token_id": tokenID})
	writeJSON(w, http.StatusOK, map[string]any{"message": "Token revoked successfully"})
}
