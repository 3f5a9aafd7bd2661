package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"creditscribe.org/internal/ledger"
	"creditscribe.org/internal/rpc"
)

// smokeSecret matches the token inserted by migrations/seeds.
const smokeSecret = "ext_0123456789abcdef0123456789abcdef0123456789abcdef"

func main() {
	addr := os.Getenv("CREDITS_GRPC_ADDR")
	if addr == "" {
		addr = "localhost:9090"
	}
	secret := os.Getenv("CREDITS_SMOKE_TOKEN")
	if secret == "" {
		secret = smokeSecret
	}

	client, err := rpc.Dial(addr, secret)
	if err != nil {
		log.Fatalf("dial %s: %v", addr, err)
	}
	defer client.Close()

	ctx, cancel := rpc.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hc, err := healthpb.NewHealthClient(client.Conn()).Check(ctx, &healthpb.HealthCheckRequest{Service: rpc.ServiceName})
	if err != nil {
		log.Fatalf("health: %v", err)
	}
	if hc.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		log.Fatalf("service not serving: %v", hc.GetStatus())
	}

	before, err := client.Balance(ctx)
	if err != nil {
		log.Fatalf("balance: %v", err)
	}
	if before < 1 {
		log.Fatalf("smoke account has no credits left (balance %d)", before)
	}

	after, err := client.Spend(ctx, 1, "smoke", "smoke-credits check")
	if err != nil {
		log.Fatalf("spend: %v", err)
	}
	if after != before-1 {
		log.Fatalf("unexpected balance after spend: before=%d after=%d", before, after)
	}

	_, err = client.Spend(ctx, after+1, "smoke", "overdraw attempt")
	var insufficient *ledger.InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		log.Fatalf("overdraw was not rejected as insufficient credits: %v", err)
	}
	if insufficient.Current != after || insufficient.Required != after+1 {
		log.Fatalf("unexpected rejection detail: %+v", insufficient)
	}

	final, err := client.Balance(ctx)
	if err != nil {
		log.Fatalf("balance: %v", err)
	}
	if final != after {
		log.Fatalf("rejected spend changed the balance: %d -> %d", after, final)
	}

	fmt.Printf("credits smoke test passed: balance %d -> %d\n", before, final)
}
