package httpapi

import (
	"errors"
	"net/http"

	"creditscribe.org/internal/audit"
	"creditscribe.org/internal/fault"
	"creditscribe.org/internal/ledger"
)

type addCreditsRequest struct {
	Amount      any    `json:"amount"`
	Description string `json:"description"`
}

type useCreditsRequest struct {
	Amount      any    `json:"amount"`
	Feature     string `json:"feature"`
	Description string `json:"description"`
}

func (a *API) addCredits(w http.ResponseWriter, r *http.Request) {
	var req addCreditsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	balance, err := a.svc.Ledger.Add(r.Context(), accountFrom(r), amount, req.Description)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "credits.added", map[string]any{"amount": amount, "balance": balance})
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Credits added successfully",
		"credits": balance,
	})
}

func (a *API) refundCredits(w http.ResponseWriter, r *http.Request) {
	var req addCreditsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	balance, err := a.svc.Ledger.Refund(r.Context(), accountFrom(r), amount, req.Description)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "credits.refunded", map[string]any{"amount": amount, "balance": balance})
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Credits refunded successfully",
		"credits": balance,
	})
}

func (a *API) balance(w http.ResponseWriter, r *http.Request) {
	balance, err := a.svc.Ledger.Balance(r.Context(), accountFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance": balance,
		"message": "Credit balance retrieved successfully",
	})
}

func (a *API) useCredits(w http.ResponseWriter, r *http.Request) {
	var req useCreditsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	balance, err := a.svc.Ledger.Spend(r.Context(), accountFrom(r), amount, req.Feature, req.Description)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			_ = audit.LogEvent(r.Context(), "credits.spend_rejected", map[string]any{
				"amount":  amount,
				"feature": req.Feature,
			})
		}
		writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "credits.used", map[string]any{
		"amount":  amount,
		"feature": req.Feature,
		"balance": balance,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"message":          "Credits used successfully",
		"remainingCredits": balance,
		"usedCredits":      amount,
	})
}

func (a *API) history(w http.ResponseWriter, r *http.Request) {
	entries, err := a.svc.Ledger.History(r.Context(), accountFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func parseAmount(v any) (int64, error) {
	if v == nil {
		return 0, fault.Validation("amount is required")
	}
	amount, err := ledger.ParseAmount(v)
	if err != nil {
		return 0, fault.Validation("amount must be a positive integer")
	}
	return amount, nil
}
