// Package loadsim generates spend traffic resembling what embedded clients
// send, for load and race checks against a running server.
package loadsim

import (
	"math/rand"
	"sync"
	"time"
)

type Spend struct {
	Amount      int64
	Feature     string
	Description string
}

type Scenario struct {
	Name      string
	Features  []string
	MinAmount int64
	MaxAmount int64
}

// ExtensionScenario models a browser extension billing per feature call.
func ExtensionScenario() Scenario {
	return Scenario{
		Name:      "ExtensionFeatureCalls",
		Features:  []string{"summarize", "translate", "rewrite", "explain"},
		MinAmount: 1,
		MaxAmount: 15,
	}
}

// Generator is safe for concurrent use.
type Generator struct {
	scenario Scenario
	mu       sync.Mutex
	rnd      *rand.Rand
}

func NewGenerator(seed int64, sc Scenario) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if sc.MinAmount <= 0 {
		sc.MinAmount = 1
	}
	if sc.MaxAmount < sc.MinAmount {
		sc.MaxAmount = sc.MinAmount
	}
	if len(sc.Features) == 0 {
		sc.Features = []string{"unknown"}
	}
	return &Generator{scenario: sc, rnd: rand.New(rand.NewSource(seed))}
}

func (g *Generator) NextSpend() Spend {
	g.mu.Lock()
	defer g.mu.Unlock()
	span := g.scenario.MaxAmount - g.scenario.MinAmount + 1
	feature := g.scenario.Features[g.rnd.Intn(len(g.scenario.Features))]
	return Spend{
		Amount:      g.scenario.MinAmount + g.rnd.Int63n(span),
		Feature:     feature,
		Description: g.scenario.Name + " " + feature,
	}
}
