package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"safeswap/lifecycle"
)

type recordingTx struct {
	pgx.Tx
	sql  string
	args []any
}

func (t *recordingTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.sql = sql
	t.args = args
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestWriterEmitInsertsIntoTransaction(t *testing.T) {
	w := NewWriter()
	w.idGenerator = func() string { return "msg-1" }
	tx := &recordingTx{}
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	ev := lifecycle.DealFunded{Transition: lifecycle.Transition{DealID: "deal-9", FromStatus: "accepted", ToStatus: "funded", ActorID: "buyer-1", At: at}, HoldID: "hold-1"}
	if err := w.Emit(context.Background(), tx, ev); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(tx.args) != 5 {
		t.Fatalf("expected 5 args, got %d", len(tx.args))
	}
	if tx.args[0] != "msg-1" || tx.args[1] != "deal.funded" || tx.args[2] != "deal-9" {
		t.Fatalf("unexpected args: %v", tx.args[:3])
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(tx.args[3].(string)), &payload); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if payload["deal_id"] != "deal-9" || payload["to_status"] != "funded" || payload["hold_id"] != "hold-1" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestWriterRejectsNilEvent(t *testing.T) {
	if err := NewWriter().Emit(context.Background(), &recordingTx{}, nil); err == nil {
		t.Fatalf("expected error for nil event")
	}
}
