package dispute

import (
	"fmt"

	"safeswap/lifecycle"
)

// review moves between the non-terminal review states; resolutions and
// closing are handled by Resolve and Close.
var review = map[Status][]Status{
	StatusOpen:             {StatusInvestigating},
	StatusInvestigating:    {StatusAwaitingResponse},
	StatusAwaitingResponse: {StatusInvestigating},
}

func canReview(from, to Status) error {
	for _, next := range review[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("dispute: %s -> %s: %w", from, to, lifecycle.ErrInvalidTransition)
}
