package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns queries that must yield no rows on a consistent database.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_milestones_sum_to_amount",
			SQL: `SELECT d.id, d.amount, SUM(m.amount) FROM deals d
                  JOIN milestones m ON m.deal_id = d.id
                  GROUP BY d.id, d.amount HAVING SUM(m.amount) <> d.amount`,
		},
		{
			Name: "O2_milestone_not_overdrawn",
			SQL: `SELECT id, amount, released, refunded FROM milestones
                  WHERE released < 0 OR refunded < 0 OR released + refunded > amount`,
		},
		{
			// The ledger moves before the deal commits, so the ledger may be
			// ahead of the deal rows but never behind them.
			Name: "O3_deal_not_ahead_of_ledger",
			SQL: `WITH booked AS (
                      SELECT deal_id, SUM(released) AS released, SUM(refunded) AS refunded
                      FROM milestones GROUP BY deal_id)
                  SELECT d.id, b.released, b.refunded, h.released, h.refunded
                  FROM deals d
                  JOIN booked b ON b.deal_id = d.id
                  LEFT JOIN ledger_holds h ON h.id::text = d.hold_id
                  WHERE (b.released + b.refunded) > 0
                    AND (h.id IS NULL OR b.released > h.released OR b.refunded > h.refunded)`,
		},
		{
			Name: "O4_funded_deal_has_hold",
			SQL: `SELECT d.id, d.status, d.hold_id FROM deals d
                  LEFT JOIN ledger_holds h ON h.id::text = d.hold_id
                  WHERE d.status IN ('funded','in_progress','milestone_completed','completed','disputed','refunded')
                    AND (h.id IS NULL OR h.amount <> d.amount OR h.deal_id <> d.id)`,
		},
		{
			Name: "O5_terminal_deal_settled",
			SQL: `SELECT d.id, d.status FROM deals d
                  JOIN milestones m ON m.deal_id = d.id
                  WHERE d.status IN ('completed','refunded')
                  GROUP BY d.id, d.status, d.amount
                  HAVING SUM(m.released + m.refunded) <> d.amount`,
		},
		{
			Name: "O6_single_active_dispute_per_scope",
			SQL: `SELECT deal_id, milestone_id, COUNT(*) FROM disputes
                  WHERE status IN ('open','investigating','awaiting_response')
                  GROUP BY deal_id, milestone_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_active_milestone_dispute_freezes_milestone",
			SQL: `SELECT d.id, m.id, m.status FROM disputes d
                  JOIN milestones m ON m.id = d.milestone_id
                  WHERE d.status IN ('open','investigating','awaiting_response') AND m.status <> 'disputed'`,
		},
		{
			Name: "O8_trust_score_matches_history",
			SQL: `SELECT s.user_id, s.score, u.new_score FROM trust_scores s
                  JOIN LATERAL (
                      SELECT new_score FROM trust_score_updates
                      WHERE user_id = s.user_id ORDER BY created_at DESC, id DESC LIMIT 1) u ON true
                  WHERE s.score <> u.new_score OR s.score NOT BETWEEN 0 AND 100`,
		},
		{
			Name: "O9_deal_has_creation_entry",
			SQL: `SELECT d.id FROM deals d
                  WHERE NOT EXISTS (
                      SELECT 1 FROM timeline_events e WHERE e.deal_id = d.id AND e.type = 'DEAL_CREATED')`,
		},
		{
			Name: "O10_audit_triggers_present",
			SQL: `SELECT t.name FROM (VALUES ('timeline_events_append_only'), ('trust_score_updates_append_only'),
                                             ('ledger_entries_append_only')) AS t(name)
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = t.name)`,
		},
		{
			Name: "O11_cancelled_deal_holds_returned",
			SQL: `SELECT h.id, h.amount, h.released, h.refunded FROM ledger_holds h
                  JOIN deals d ON d.id = h.deal_id
                  WHERE d.status = 'cancelled' AND h.released + h.refunded <> h.amount`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text), or an empty name when all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
