package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/google/uuid"

	"creditscribe.org/internal/ledger"
	"creditscribe.org/internal/loadsim"
)

type client struct {
	base string
	http *http.Client
}

func main() {
	var (
		baseURL  = flag.String("base-url", "http://localhost:8080", "API base URL")
		workers  = flag.Int("workers", 4, "Concurrent worker count")
		duration = flag.Duration("duration", 30*time.Second, "Duration of the run")
		credits  = flag.Int64("credits", 500, "Credits added to the test account before the run")
		seed     = flag.Int64("seed", 0, "Generator seed (0 picks one from the clock)")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := &client{base: *baseURL, http: &http.Client{Timeout: 10 * time.Second}}
	log.Printf("Launching load run: base=%s workers=%d duration=%s", *baseURL, *workers, *duration)

	session, err := c.register(ctx)
	if err != nil {
		log.Fatalf("register: %v", err)
	}
	if *credits > 0 {
		if err := c.do(ctx, http.MethodPost, "/api/user/add-credits", session,
			map[string]any{"amount": *credits, "description": "load run"}, nil); err != nil {
			log.Fatalf("add credits: %v", err)
		}
	}
	var issued struct {
		Secret string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/user/generate-token", session, nil, &issued); err != nil {
		log.Fatalf("generate token: %v", err)
	}
	opening, err := c.balance(ctx, issued.Secret)
	if err != nil {
		log.Fatalf("opening balance: %v", err)
	}

	generator := loadsim.NewGenerator(*seed, loadsim.ExtensionScenario())
	var counter loadsim.Counter
	var wg sync.WaitGroup
	deadline := time.Now().Add(*duration)

	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for time.Now().Before(deadline) && ctx.Err() == nil {
				spend := generator.NextSpend()
				outcome := c.spend(ctx, issued.Secret, spend)
				counter.Record(spend, outcome)
				if outcome == loadsim.OutcomeRateLimited {
					time.Sleep(time.Second)
				}
			}
		}(i)
	}
	wg.Wait()

	// Fresh context: the run context may already be cancelled by an interrupt.
	checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	final, err := c.balance(checkCtx, issued.Secret)
	if err != nil {
		log.Fatalf("final balance: %v", err)
	}
	log.Printf("Run finished: %s", counter.String())

	if err := counter.Reconcile(opening, final); err != nil {
		log.Fatalf("reconcile: %v", err)
	}
	var hist struct {
		History []ledger.Entry `json:"history"`
	}
	if err := c.do(checkCtx, http.MethodGet, "/api/credits/history", session, nil, &hist); err != nil {
		log.Fatalf("history: %v", err)
	}
	if sum := historySum(hist.History); sum != final {
		log.Fatalf("history sums to %d, balance is %d", sum, final)
	}
	log.Printf("Ledger consistent: opening=%d final=%d entries=%d", opening, final, len(hist.History))
}

func historySum(entries []ledger.Entry) int64 {
	var sum int64
	for _, e := range entries {
		switch e.Kind {
		case ledger.KindUsed:
			sum -= e.Amount
		default:
			sum += e.Amount
		}
	}
	return sum
}

func (c *client) register(ctx context.Context) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]any{
		"email":    fmt.Sprintf("loadgen-%s@example.com", uuid.NewString()),
		"password": uuid.NewString(),
		"name":     "Load Generator",
	}
	if err := c.do(ctx, http.MethodPost, "/api/auth/register", "", body, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

func (c *client) balance(ctx context.Context, secret string) (int64, error) {
	var resp struct {
		Balance int64 `json:"balance"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/credits/balance", secret, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

func (c *client) spend(ctx context.Context, secret string, s loadsim.Spend) loadsim.Outcome {
	err := c.do(ctx, http.MethodPost, "/api/credits/use", secret, map[string]any{
		"amount":      s.Amount,
		"feature":     s.Feature,
		"description": s.Description,
	}, nil)
	if err == nil {
		return loadsim.OutcomeOK
	}
	if se, ok := err.(*statusError); ok {
		switch se.code {
		case http.StatusConflict:
			return loadsim.OutcomeInsufficient
		case http.StatusTooManyRequests:
			return loadsim.OutcomeRateLimited
		}
	}
	log.Printf("spend failed: %v", err)
	return loadsim.OutcomeFailed
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

func (c *client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &statusError{code: resp.StatusCode, body: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
