package extract

import (
	"errors"
	"fmt"
)

// ErrChapterTooLarge indicates a chapter exceeds the configured token
// budget even after segment splitting.
var ErrChapterTooLarge = errors.New("chapter exceeds extraction token budget")

// ExtractionFailure wraps a failed chapter extraction with enough context
// to decide whether the orchestrator should retry, skip, or abort the task.
type ExtractionFailure struct {
	NovelID    string
	ChapterNum int
	Segment    int
	Cause      error
	Retryable  bool
}

func (e *ExtractionFailure) Error() string {
	return fmt.Sprintf("extracting novel %s chapter %d (segment %d): %v", e.NovelID, e.ChapterNum, e.Segment, e.Cause)
}

func (e *ExtractionFailure) Unwrap() error { return e.Cause }

// IsRetryable reports whether the orchestrator may retry this chapter.
func (e *ExtractionFailure) IsRetryable() bool { return e.Retryable }
