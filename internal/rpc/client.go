package rpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the Credits service on behalf of a delegated token holder.
type Client struct {
	conn   *grpc.ClientConn
	secret string
}

// Dial creates a client for target (insecure transport unless opts say
// otherwise). secret is the delegated access token sent with every call.
func Dial(target, secret string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, secret: secret}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Conn exposes the connection, e.g. for health checks.
func (c *Client) Conn() *grpc.ClientConn { return c.conn }

func (c *Client) Balance(ctx context.Context) (int64, error) {
	out, err := c.invoke(ctx, methodGetBalance, map[string]any{})
	if err != nil {
		return 0, err
	}
	return intField(out, "balance")
}

// Spend debits amount and returns the remaining balance.
func (c *Client) Spend(ctx context.Context, amount int64, feature, description string) (int64, error) {
	out, err := c.invoke(ctx, methodSpend, map[string]any{
		"amount":      amount,
		"feature":     feature,
		"description": description,
	})
	if err != nil {
		return 0, err
	}
	return intField(out, "remainingCredits")
}

func (c *Client) invoke(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.secret)
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, fromStatus(err)
	}
	return out, nil
}

func intField(s *structpb.Struct, key string) (int64, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return 0, fmt.Errorf("rpc: response missing %q", key)
	}
	return int64(v.GetNumberValue()), nil
}

// WithTimeout returns a context with default timeout useful for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
