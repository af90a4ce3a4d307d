package validate

import "fmt"

// SchemaInvalid indicates the top-level shape of a raw fact is unusable —
// missing required arrays, wrong types — as opposed to a single bad item,
// which is dropped rather than raised.
type SchemaInvalid struct {
	NovelID    string
	ChapterNum int
	Reason     string
}

func (e *SchemaInvalid) Error() string {
	return fmt.Sprintf("invalid fact shape for novel %s chapter %d: %s", e.NovelID, e.ChapterNum, e.Reason)
}
