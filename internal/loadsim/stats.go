package loadsim

import (
	"fmt"
	"sync"
)

// Outcome classifies one request.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeInsufficient Outcome = "insufficient"
	OutcomeRateLimited  Outcome = "rate_limited"
	OutcomeFailed       Outcome = "failed"
)

// Counter aggregates results from concurrent workers.
type Counter struct {
	mu       sync.Mutex
	outcomes map[Outcome]int
	spent    int64
}

func (c *Counter) Record(s Spend, o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcomes == nil {
		c.outcomes = make(map[Outcome]int)
	}
	c.outcomes[o]++
	if o == OutcomeOK {
		c.spent += s.Amount
	}
}

func (c *Counter) Count(o Outcome) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcomes[o]
}

// Spent is the sum of accepted spend amounts.
func (c *Counter) Spent() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spent
}

// Reconcile checks the server's view against what the workers observed:
// the balance must equal opening minus accepted spends and never go negative.
func (c *Counter) Reconcile(opening, balance int64) error {
	spent := c.Spent()
	if balance < 0 {
		return fmt.Errorf("balance went negative: %d", balance)
	}
	if opening-spent != balance {
		return fmt.Errorf("balance %d does not match opening %d minus accepted spends %d", balance, opening, spent)
	}
	return nil
}

func (c *Counter) String() string {
	return fmt.Sprintf("ok=%d insufficient=%d rate_limited=%d failed=%d spent=%d",
		c.Count(OutcomeOK), c.Count(OutcomeInsufficient), c.Count(OutcomeRateLimited), c.Count(OutcomeFailed), c.Spent())
}
