package prescan

import (
	"sync"

	"github.com/go-ego/gse"
)

// tokenizer lazily loads the default dictionary once and is safe for
// concurrent use across novels (Segmenter itself holds no per-call state).
type tokenizer struct {
	once sync.Once
	seg  gse.Segmenter
	err  error
}

var defaultTokenizer tokenizer

func (t *tokenizer) ensureLoaded() error {
	t.once.Do(func() {
		t.err = t.seg.LoadDict()
	})
	return t.err
}

// cut splits text into word tokens using full-mode segmentation with HMM
// fallback for unregistered names, which is what surfaces novel proper
// nouns the dictionary has never seen.
func cut(text string) ([]string, error) {
	if err := defaultTokenizer.ensureLoaded(); err != nil {
		return nil, err
	}
	return defaultTokenizer.seg.Cut(text, true), nil
}
