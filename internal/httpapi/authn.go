package httpapi

import (
	"net/http"

	"creditscribe.org/internal/auth"
)

const authHeader = "Authorization"

// requireCredential resolves the bearer credential as the given kind and
// stores the account on the request context. A session presented where a
// delegated token is expected (or the reverse) fails verification.
func (a *API) requireCredential(kind auth.Kind) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			value, err := auth.ParseBearer(r.Header.Get(authHeader))
			if err != nil {
				writeError(w, r, err)
				return
			}
			accountID, err := a.svc.Verifier.Resolve(r.Context(), auth.Credential{Kind: kind, Value: value})
			if err != nil {
				writeError(w, r, err)
				return
			}
			ctx := auth.ContextWithAccount(r.Context(), accountID, kind)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func accountFrom(r *http.Request) string {
	id, _ := auth.AccountIDFromContext(r.Context())
	return id
}
