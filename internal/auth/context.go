package auth

import (
	"context"
	"strings"
)

type ctxKey string

const (
	accountIDKey ctxKey = "auth_account_id"
	kindKey      ctxKey = "auth_credential_kind"
)

// ContextWithAccount stores the resolved account and the credential kind
// that authenticated it.
func ContextWithAccount(ctx context.Context, accountID string, kind Kind) context.Context {
	ctx = context.WithValue(ctx, accountIDKey, strings.TrimSpace(accountID))
	return context.WithValue(ctx, kindKey, kind)
}

// AccountIDFromContext extracts the authenticated account ID.
func AccountIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(accountIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// KindFromContext reports which credential kind authenticated the request.
func KindFromContext(ctx context.Context) (Kind, bool) {
	if ctx == nil {
		return 0, false
	}
	k, ok := ctx.Value(kindKey).(Kind)
	return k, ok
}
