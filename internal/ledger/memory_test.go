package ledger_test

import (
	"testing"

	"creditscribe.org/internal/ledger"
	"creditscribe.org/internal/ledger/ledgertest"
)

func TestInMemoryStore(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store { return ledger.NewInMemory() })
}
