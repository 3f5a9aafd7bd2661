package rpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"creditscribe.org/internal/access"
	"creditscribe.org/internal/auth"
	"creditscribe.org/internal/fault"
	"creditscribe.org/internal/ledger"
	"creditscribe.org/internal/ledger/ledgertest"
)

type fixture struct {
	secret  string
	dial    func(secret string) *Client
	tokens  *access.Registry
	account ledger.Account
}

func newFixture(t *testing.T, opening int64) *fixture {
	t.Helper()
	store := ledger.NewInMemory()
	sessions, err := auth.NewSessions("rpc-test-secret")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	tokens := access.NewRegistry(store)
	acct := ledgertest.NewAccount(t, store, opening)
	issued, err := tokens.Issue(context.Background(), acct.ID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	srv, _ := NewServer(NewCredits(ledger.New(store), auth.NewVerifier(sessions, tokens)))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	dial := func(secret string) *Client {
		t.Helper()
		client, err := Dial("passthrough:///bufnet", secret,
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		t.Cleanup(func() { client.Close() })
		return client
	}
	return &fixture{secret: issued.Secret, dial: dial, tokens: tokens, account: acct}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBalanceAndSpend(t *testing.T) {
	f := newFixture(t, 100)
	client := f.dial(f.secret)
	ctx := testContext(t)

	bal, err := client.Balance(ctx)
	if err != nil || bal != 100 {
		t.Fatalf("balance: %d, %v", bal, err)
	}
	remaining, err := client.Spend(ctx, 30, "rpc", "")
	if err != nil || remaining != 70 {
		t.Fatalf("spend: %d, %v", remaining, err)
	}

	_, err = client.Spend(ctx, 80, "rpc", "")
	var insufficient *ledger.InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if insufficient.Current != 70 || insufficient.Required != 80 {
		t.Fatalf("unexpected detail: %+v", insufficient)
	}
	if fault.Retryable(err) {
		t.Fatal("insufficient credits must not be retryable")
	}

	if _, err := client.Spend(ctx, 0, "", ""); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestRejectsBadCredentials(t *testing.T) {
	f := newFixture(t, 10)
	ctx := testContext(t)

	if _, err := f.dial("").Balance(ctx); !errors.Is(err, auth.ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
	if _, err := f.dial("ext_unknown").Balance(ctx); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	tokens, err := f.tokens.ListActive(ctx, f.account.ID)
	if err != nil || len(tokens) != 1 {
		t.Fatalf("list tokens: %v, %v", tokens, err)
	}
	if err := f.tokens.Revoke(ctx, f.account.ID, tokens[0].ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := f.dial(f.secret).Balance(ctx); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("revoked token must fail, got %v", err)
	}
}

func TestHealthServing(t *testing.T) {
	f := newFixture(t, 0)
	client := f.dial(f.secret)
	resp, err := healthpb.NewHealthClient(client.Conn()).Check(testContext(t), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status %v", resp.GetStatus())
	}
}

func TestFromStatusFallsBackOnCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"unauthenticated", status.Error(codes.Unauthenticated, "nope"), auth.ErrInvalidToken},
		{"not found", status.Error(codes.NotFound, "missing"), ledger.ErrAccountNotFound},
		{"insufficient", status.Error(codes.FailedPrecondition, "short"), ledger.ErrInsufficientCredits},
		{"pass through", status.Error(codes.Unavailable, "down"), status.Error(codes.Unavailable, "down")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := fromStatus(tc.err)
			if tc.name == "pass through" {
				if status.Code(got) != codes.Unavailable || !fault.Retryable(got) {
					t.Fatalf("expected retryable Unavailable, got %v", got)
				}
				return
			}
			if !errors.Is(got, tc.want) {
				t.Fatalf("fromStatus() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestToStatusCodes(t *testing.T) {
	cases := map[error]codes.Code{
		ledger.ErrInvalidAmount:                                  codes.InvalidArgument,
		ledger.ErrAccountInactive:                                codes.PermissionDenied,
		auth.ErrInvalidToken:                                     codes.Unauthenticated,
		&ledger.InsufficientCreditsError{Current: 1, Required: 2}: codes.FailedPrecondition,
		errors.New("disk on fire"):                               codes.Internal,
	}
	for in, want := range cases {
		if got := status.Code(toStatus(in)); got != want {
			t.Fatalf("%v: got %v, want %v", in, got, want)
		}
	}
}
