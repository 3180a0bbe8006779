package session

import (
	"context"

	"wendao/internal/llm"
)

// AppendCapped appends msg to list then trims from the front so at most max
// entries remain, matching spec.md §6's "LTRIM -max -1 to cap size" rule for
// the window/summary lists. max <= 0 disables capping.
func AppendCapped(ctx context.Context, store Store, sessionID string, list List, msg llm.Message, max int64) error {
	if err := store.Append(ctx, sessionID, list, msg); err != nil {
		return err
	}
	if max <= 0 {
		return nil
	}
	n, err := store.Len(ctx, sessionID, list)
	if err != nil {
		return err
	}
	if n <= max {
		return nil
	}
	_, err = store.DrainOldest(ctx, sessionID, list, n-max)
	return err
}
