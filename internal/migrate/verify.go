package migrate

import (
	"context"
	"fmt"
)

// Drift is an account whose stored balance or entry sequence disagrees with
// its ledger entries.
type Drift struct {
	AccountID  string
	Balance    int64
	HistorySum int64
	EntrySeq   int64
	Entries    int64
}

func (d Drift) String() string {
	return fmt.Sprintf("%s: balance=%d history_sum=%d entry_seq=%d entries=%d",
		d.AccountID, d.Balance, d.HistorySum, d.EntrySeq, d.Entries)
}

const driftQuery = `
	select a.id, a.balance, a.entry_seq, h.total, h.n
	from accounts a
	cross join lateral (
		select
			coalesce(sum(case when e.kind = 'used' then -e.amount else e.amount end), 0)::bigint as total,
			count(e.id)::bigint as n
		from ledger_entries e
		where e.account_id = a.id
	) h
	where a.balance <> h.total or a.entry_seq <> h.n
	order by a.id`

// Verify checks every account against its history after migrations and
// seeds have run. An empty result means balances and sequences reconcile.
func (m *Manager) Verify(ctx context.Context) ([]Drift, error) {
	rows, err := m.db.QueryContext(ctx, driftQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var drifts []Drift
	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.AccountID, &d.Balance, &d.EntrySeq, &d.HistorySum, &d.Entries); err != nil {
			return nil, err
		}
		drifts = append(drifts, d)
	}
	return drifts, rows.Err()
}
