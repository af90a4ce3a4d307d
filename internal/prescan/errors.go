package prescan

import "fmt"

// ErrPrescanFailed wraps a hard failure of the whole pre-scan run (as
// opposed to Phase 2 alone degrading to Phase-1-only results, which is not
// an error).
type ErrPrescanFailed struct {
	NovelID string
	Reason  string
	Cause   error
}

func (e *ErrPrescanFailed) Error() string {
	return fmt.Sprintf("pre-scan failed for novel %s: %s: %v", e.NovelID, e.Reason, e.Cause)
}

func (e *ErrPrescanFailed) Unwrap() error { return e.Cause }
