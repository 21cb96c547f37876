package backend

import (
	"context"
	"fmt"
	"strings"
)

// Choose parses the repository URL scheme from spec.md §6 and returns a
// ready ObjectStore (started, for the Rclone variant). Grounded on
// original_source/src/backend/choose.rs, which dispatches on the same
// three schemes.
func Choose(ctx context.Context, url string) (ObjectStore, error) {
	switch {
	case strings.HasPrefix(url, "local:"):
		return NewLocal(strings.TrimPrefix(url, "local:")), nil
	case strings.HasPrefix(url, "rest:"):
		return NewRest(strings.TrimPrefix(url, "rest:")), nil
	case strings.HasPrefix(url, "rclone:"):
		r := NewRclone(strings.TrimPrefix(url, "rclone:"))
		if err := r.Start(ctx); err != nil {
			return nil, fmt.Errorf("backend: choose rclone: %w", err)
		}
		return r, nil
	default:
		return NewLocal(url), nil
	}
}
