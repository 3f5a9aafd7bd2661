package rpc

import (
	"errors"
	"strconv"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"creditscribe.org/internal/auth"
	"creditscribe.org/internal/fault"
	"creditscribe.org/internal/ledger"
)

const errorDomain = "creditscribe.org"

var codeByTextCode = map[string]codes.Code{
	fault.CodeValidation:         codes.InvalidArgument,
	fault.CodeAccountNotFound:    codes.NotFound,
	fault.CodeTokenNotFound:      codes.NotFound,
	fault.CodeAccountInactive:    codes.PermissionDenied,
	fault.CodeAccountExists:      codes.AlreadyExists,
	fault.CodeMissingCredential:  codes.Unauthenticated,
	fault.CodeInvalidCredentials: codes.Unauthenticated,
	fault.CodeInvalidSession:     codes.Unauthenticated,
	fault.CodeInvalidToken:       codes.Unauthenticated,
	fault.CodeInsufficient:       codes.FailedPrecondition,
	fault.CodeRateLimited:        codes.ResourceExhausted,
	fault.CodeInternal:           codes.Internal,
}

// toStatus renders a domain error as a gRPC status carrying an ErrorInfo
// whose reason is the stable text code.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	fe := fault.From(err)
	code, ok := codeByTextCode[fe.TextCode]
	if !ok {
		code = codes.Unknown
	}
	info := &errdetails.ErrorInfo{Reason: fe.TextCode, Domain: errorDomain}
	if len(fe.Metadata) > 0 {
		info.Metadata = make(map[string]string, len(fe.Metadata))
		for k, v := range fe.Metadata {
			switch n := v.(type) {
			case int64:
				info.Metadata[k] = strconv.FormatInt(n, 10)
			case string:
				info.Metadata[k] = n
			}
		}
	}
	st, derr := status.New(code, fe.Message).WithDetails(info)
	if derr != nil {
		return status.Error(code, fe.Message)
	}
	return st.Err()
}

// fromStatus maps a status returned by the server back onto the domain
// errors, so callers can use errors.Is/As exactly as in-process.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorDomain {
			continue
		}
		if mapped := fromReason(info); mapped != nil {
			return mapped
		}
	}
	switch st.Code() {
	case codes.Unauthenticated:
		return auth.ErrInvalidToken
	case codes.InvalidArgument:
		return ledger.ErrInvalidAmount
	case codes.NotFound:
		return ledger.ErrAccountNotFound
	case codes.PermissionDenied:
		return ledger.ErrAccountInactive
	case codes.FailedPrecondition:
		return ledger.ErrInsufficientCredits
	}
	return err
}

func fromReason(info *errdetails.ErrorInfo) error {
	switch info.GetReason() {
	case fault.CodeInsufficient:
		md := info.GetMetadata()
		current, err1 := strconv.ParseInt(md["current_credits"], 10, 64)
		required, err2 := strconv.ParseInt(md["required_credits"], 10, 64)
		if errors.Join(err1, err2) != nil {
			return ledger.ErrInsufficientCredits
		}
		return &ledger.InsufficientCreditsError{Current: current, Required: required}
	case fault.CodeValidation:
		return ledger.ErrInvalidAmount
	case fault.CodeAccountNotFound:
		return ledger.ErrAccountNotFound
	case fault.CodeAccountInactive:
		return ledger.ErrAccountInactive
	case fault.CodeMissingCredential:
		return auth.ErrMissingCredential
	case fault.CodeInvalidToken:
		return auth.ErrInvalidToken
	}
	return nil
}
