// Package rpc exposes balance and spend over gRPC for delegated clients.
// Messages are google.protobuf.Struct so no generated stubs are needed.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"creditscribe.org/internal/auth"
	"creditscribe.org/internal/ledger"
)

const (
	ServiceName = "creditscribe.v1.Credits"

	methodGetBalance = "/" + ServiceName + "/GetBalance"
	methodSpend      = "/" + ServiceName + "/Spend"
)

// CreditsServer is the server API for the Credits service.
type CreditsServer interface {
	GetBalance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Spend(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var creditsServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CreditsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetBalance", Handler: unaryHandler(methodGetBalance, CreditsServer.GetBalance)},
		{MethodName: "Spend", Handler: unaryHandler(methodSpend, CreditsServer.Spend)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "creditscribe/v1/credits.proto",
}

func unaryHandler(fullMethod string, call func(CreditsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CreditsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(CreditsServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RegisterCreditsServer attaches srv to s.
func RegisterCreditsServer(s grpc.ServiceRegistrar, srv CreditsServer) {
	s.RegisterService(&creditsServiceDesc, srv)
}

// Credits implements CreditsServer on top of the ledger. Every call must
// carry a delegated access token in the authorization metadata.
type Credits struct {
	ledger   *ledger.Ledger
	verifier *auth.Verifier
}

var _ CreditsServer = (*Credits)(nil)

func NewCredits(l *ledger.Ledger, v *auth.Verifier) *Credits {
	return &Credits{ledger: l, verifier: v}
}

func (c *Credits) GetBalance(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := c.authenticate(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	balance, err := c.ledger.Balance(ctx, accountID)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"balance": balance})
}

func (c *Credits) Spend(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := c.authenticate(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	fields := req.AsMap()
	amount, err := ledger.ParseAmount(fields["amount"])
	if err != nil {
		return nil, toStatus(err)
	}
	feature, _ := fields["feature"].(string)
	description, _ := fields["description"].(string)

	balance, err := c.ledger.Spend(ctx, accountID, amount, feature, description)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"remainingCredits": balance,
		"usedCredits":      amount,
	})
}

func (c *Credits) authenticate(ctx context.Context) (string, error) {
	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("authorization"); len(vals) > 0 {
			header = vals[0]
		}
	}
	value, err := auth.ParseBearer(header)
	if err != nil {
		return "", err
	}
	return c.verifier.Resolve(ctx, auth.Credential{Kind: auth.DelegatedAccessToken, Value: value})
}
