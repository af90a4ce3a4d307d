package storage

import "context"

// Storage is the blob-storage surface used for prompt templates and the
// LLM response cache. The structured domain store (chapters, facts, world
// structure, dictionary, overrides, layouts) lives separately in SQLite;
// see Store in sqlite.go.
type Storage interface {
	Save(ctx context.Context, path string, data []byte) error
	Load(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, pattern string) ([]string, error)
	Exists(ctx context.Context, path string) bool
	Delete(ctx context.Context, path string) error
}
