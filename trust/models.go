package trust

import "time"

// Update is the immutable audit record of one score change.
type Update struct {
	ID            string
	UserID        string
	PreviousScore int
	NewScore      int
	Kind          EventKind
	Reason        string
	DealID        *string
	ActorID       string
	CreatedAt     time.Time
}

// ApplyParams describes a reputation event to apply inside a caller's transaction.
type ApplyParams struct {
	UserID    string
	Kind      EventKind
	Magnitude int
	Reason    string
	DealID    string
	ActorID   string
}

// AdjustParams is a manual admin adjustment.
type AdjustParams struct {
	UserID  string
	AdminID string
	Delta   int
	Reason  string
}
