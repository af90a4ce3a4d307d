package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/novelkg/novelkg/internal/domain/novel"
)

// Store persists the structured domain model: novels, chapters, chapter
// facts, world structure, the entity dictionary, analysis tasks and user
// overrides. SQLite is opened with WAL journaling and a single writer
// connection, since every write path in this engine is already serialized
// through the orchestrator's per-novel mutex.
type Store struct {
	db      *sql.DB
	archive *FileSystem // optional raw-fact JSON archive, outside SQLite
}

// NewStore opens (and migrates) the SQLite database at path.
func NewStore(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	// A single writer connection avoids SQLITE_BUSY under WAL without
	// needing an external mutex around every Exec.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return store, nil
}

// EnableArchive turns on a best-effort raw-JSON archive of every saved
// chapter fact under baseDir, independent of the SQLite row. It exists for
// offline inspection and bundling a novel's facts as plain files; SQLite
// remains the only source of truth the rest of the engine reads from.
func (s *Store) EnableArchive(baseDir string) *Store {
	s.archive = NewFileSystem(baseDir)
	return s
}

// archiveChapterFact writes f to the archive as pretty-printed JSON, if an
// archive directory has been configured. Failures here are never fatal to
// the caller: the SQLite row saved by SaveChapterFact is the durable copy.
func (s *Store) archiveChapterFact(ctx context.Context, f *novel.ChapterFact) error {
	if s.archive == nil {
		return nil
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling chapter fact for archive: %w", err)
	}
	path := fmt.Sprintf("%s/chapter_%04d.json", f.NovelID, f.ChapterNum)
	return s.archive.Save(ctx, path, data)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS novels (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		author TEXT,
		total_chapters INTEGER DEFAULT 0,
		total_words INTEGER DEFAULT 0,
		content_hash TEXT,
		prescan_status TEXT NOT NULL DEFAULT 'pending',
		is_sample INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS chapters (
		novel_id TEXT NOT NULL,
		chapter_num INTEGER NOT NULL,
		volume_num INTEGER,
		title TEXT,
		text TEXT NOT NULL,
		word_count INTEGER DEFAULT 0,
		analysis_status TEXT NOT NULL DEFAULT 'pending',
		is_excluded INTEGER DEFAULT 0,
		PRIMARY KEY (novel_id, chapter_num)
	);

	CREATE TABLE IF NOT EXISTS chapter_facts (
		novel_id TEXT NOT NULL,
		chapter_num INTEGER NOT NULL,
		fact_json TEXT NOT NULL,
		extracted_at DATETIME NOT NULL,
		PRIMARY KEY (novel_id, chapter_num)
	);

	CREATE TABLE IF NOT EXISTS world_structures (
		novel_id TEXT PRIMARY KEY,
		structure_json TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entity_dictionaries (
		novel_id TEXT PRIMARY KEY,
		dictionary_json TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS analysis_tasks (
		id TEXT PRIMARY KEY,
		novel_id TEXT NOT NULL,
		status TEXT NOT NULL,
		chapter_start INTEGER,
		chapter_end INTEGER,
		current_chapter INTEGER,
		force INTEGER DEFAULT 0,
		input_tokens INTEGER DEFAULT 0,
		output_tokens INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_novel ON analysis_tasks(novel_id, status);

	CREATE TABLE IF NOT EXISTS user_overrides (
		novel_id TEXT NOT NULL,
		override_type TEXT NOT NULL,
		override_key TEXT NOT NULL,
		value_json TEXT NOT NULL,
		PRIMARY KEY (novel_id, override_type, override_key)
	);

	CREATE TABLE IF NOT EXISTS embeddings (
		novel_id TEXT NOT NULL,
		entity_name TEXT NOT NULL,
		vector_json TEXT NOT NULL,
		PRIMARY KEY (novel_id, entity_name)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// SaveNovel inserts or replaces a novel record.
func (s *Store) SaveNovel(ctx context.Context, n *novel.Novel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO novels (id, title, author, total_chapters, total_words, content_hash, prescan_status, is_sample)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, author=excluded.author, total_chapters=excluded.total_chapters,
			total_words=excluded.total_words, content_hash=excluded.content_hash,
			prescan_status=excluded.prescan_status, is_sample=excluded.is_sample
	`, n.ID, n.Title, n.Author, n.TotalChapters, n.TotalWords, n.ContentHash, n.PrescanStatus, boolToInt(n.IsSample))
	return err
}

// GetNovel retrieves a novel by ID.
func (s *Store) GetNovel(ctx context.Context, id string) (*novel.Novel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, author, total_chapters, total_words, content_hash, prescan_status, is_sample
		FROM novels WHERE id = ?
	`, id)
	var n novel.Novel
	var isSample int
	if err := row.Scan(&n.ID, &n.Title, &n.Author, &n.TotalChapters, &n.TotalWords, &n.ContentHash, &n.PrescanStatus, &isSample); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("novel not found: %s", id)
		}
		return nil, err
	}
	n.IsSample = isSample != 0
	return &n, nil
}

// SaveChapter inserts or replaces a chapter record.
func (s *Store) SaveChapter(ctx context.Context, c *novel.Chapter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chapters (novel_id, chapter_num, volume_num, title, text, word_count, analysis_status, is_excluded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(novel_id, chapter_num) DO UPDATE SET
			volume_num=excluded.volume_num, title=excluded.title, text=excluded.text,
			word_count=excluded.word_count, analysis_status=excluded.analysis_status, is_excluded=excluded.is_excluded
	`, c.NovelID, c.ChapterNum, c.VolumeNum, c.Title, c.Text, c.WordCount, c.AnalysisStatus, boolToInt(c.IsExcluded))
	return err
}

// GetChapter retrieves one chapter by (novelID, chapterNum).
func (s *Store) GetChapter(ctx context.Context, novelID string, chapterNum int) (*novel.Chapter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT novel_id, chapter_num, volume_num, title, text, word_count, analysis_status, is_excluded
		FROM chapters WHERE novel_id = ? AND chapter_num = ?
	`, novelID, chapterNum)
	var c novel.Chapter
	var isExcluded int
	if err := row.Scan(&c.NovelID, &c.ChapterNum, &c.VolumeNum, &c.Title, &c.Text, &c.WordCount, &c.AnalysisStatus, &isExcluded); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("chapter not found: %s/%d", novelID, chapterNum)
		}
		return nil, err
	}
	c.IsExcluded = isExcluded != 0
	return &c, nil
}

// ListChapters returns chapters for a novel ordered by chapter number.
func (s *Store) ListChapters(ctx context.Context, novelID string) ([]*novel.Chapter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT novel_id, chapter_num, volume_num, title, text, word_count, analysis_status, is_excluded
		FROM chapters WHERE novel_id = ? ORDER BY chapter_num ASC
	`, novelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chapters []*novel.Chapter
	for rows.Next() {
		var c novel.Chapter
		var isExcluded int
		if err := rows.Scan(&c.NovelID, &c.ChapterNum, &c.VolumeNum, &c.Title, &c.Text, &c.WordCount, &c.AnalysisStatus, &isExcluded); err != nil {
			return nil, err
		}
		c.IsExcluded = isExcluded != 0
		chapters = append(chapters, &c)
	}
	return chapters, rows.Err()
}

// SaveChapterFact persists the extraction result for one chapter, overwriting
// any prior result for the same (novelID, chapterNum).
func (s *Store) SaveChapterFact(ctx context.Context, f *novel.ChapterFact) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling chapter fact: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chapter_facts (novel_id, chapter_num, fact_json, extracted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(novel_id, chapter_num) DO UPDATE SET fact_json=excluded.fact_json, extracted_at=excluded.extracted_at
	`, f.NovelID, f.ChapterNum, string(data), f.ExtractedAt)
	if err != nil {
		return err
	}
	if archErr := s.archiveChapterFact(ctx, f); archErr != nil {
		slog.Default().Warn("archiving chapter fact failed", "novel_id", f.NovelID, "chapter", f.ChapterNum, "error", archErr)
	}
	return nil
}

// GetChapterFact retrieves the extraction result for one chapter.
func (s *Store) GetChapterFact(ctx context.Context, novelID string, chapterNum int) (*novel.ChapterFact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT fact_json FROM chapter_facts WHERE novel_id = ? AND chapter_num = ?`, novelID, chapterNum)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var f novel.ChapterFact
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, fmt.Errorf("unmarshaling chapter fact: %w", err)
	}
	return &f, nil
}

// StreamChapterFacts yields every stored chapter fact for a novel in chapter
// order without materializing the whole slice, for the Entity Aggregator's
// single forward pass.
func (s *Store) StreamChapterFacts(ctx context.Context, novelID string) iter.Seq[novel.ChapterFact] {
	return func(yield func(novel.ChapterFact) bool) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT fact_json FROM chapter_facts WHERE novel_id = ? ORDER BY chapter_num ASC
		`, novelID)
		if err != nil {
			return
		}
		defer rows.Close()

		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				return
			}
			var f novel.ChapterFact
			if err := json.Unmarshal([]byte(raw), &f); err != nil {
				continue
			}
			if !yield(f) {
				return
			}
		}
	}
}

// SaveWorldStructure persists the current world structure for a novel.
func (s *Store) SaveWorldStructure(ctx context.Context, w *novel.WorldStructure) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshaling world structure: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO world_structures (novel_id, structure_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(novel_id) DO UPDATE SET structure_json=excluded.structure_json, updated_at=excluded.updated_at
	`, w.NovelID, string(data), time.Now())
	return err
}

// GetWorldStructure retrieves the world structure for a novel, or nil if none
// exists yet.
func (s *Store) GetWorldStructure(ctx context.Context, novelID string) (*novel.WorldStructure, error) {
	row := s.db.QueryRowContext(ctx, `SELECT structure_json FROM world_structures WHERE novel_id = ?`, novelID)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var w novel.WorldStructure
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("unmarshaling world structure: %w", err)
	}
	return &w, nil
}

// SaveEntityDictionary persists the pre-scan dictionary for a novel.
func (s *Store) SaveEntityDictionary(ctx context.Context, d *novel.EntityDictionary) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshaling entity dictionary: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entity_dictionaries (novel_id, dictionary_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(novel_id) DO UPDATE SET dictionary_json=excluded.dictionary_json, updated_at=excluded.updated_at
	`, d.NovelID, string(data), time.Now())
	return err
}

// GetEntityDictionary retrieves the pre-scan dictionary for a novel, or nil
// if the pre-scan has not completed.
func (s *Store) GetEntityDictionary(ctx context.Context, novelID string) (*novel.EntityDictionary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT dictionary_json FROM entity_dictionaries WHERE novel_id = ?`, novelID)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var d novel.EntityDictionary
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("unmarshaling entity dictionary: %w", err)
	}
	return &d, nil
}

// SaveTask inserts or replaces an analysis task.
func (s *Store) SaveTask(ctx context.Context, t *novel.AnalysisTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_tasks (id, novel_id, status, chapter_start, chapter_end, current_chapter, force, input_tokens, output_tokens, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status, current_chapter=excluded.current_chapter,
			input_tokens=excluded.input_tokens, output_tokens=excluded.output_tokens, updated_at=excluded.updated_at
	`, t.ID, t.NovelID, t.Status, t.ChapterStart, t.ChapterEnd, t.CurrentChapter, boolToInt(t.Force), t.InputTokens, t.OutputTokens, t.CreatedAt, t.UpdatedAt)
	return err
}

// GetTask retrieves an analysis task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*novel.AnalysisTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, novel_id, status, chapter_start, chapter_end, current_chapter, force, input_tokens, output_tokens, created_at, updated_at
		FROM analysis_tasks WHERE id = ?
	`, id)
	var t novel.AnalysisTask
	var force int
	if err := row.Scan(&t.ID, &t.NovelID, &t.Status, &t.ChapterStart, &t.ChapterEnd, &t.CurrentChapter, &force, &t.InputTokens, &t.OutputTokens, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("task not found: %s", id)
		}
		return nil, err
	}
	t.Force = force != 0
	return &t, nil
}

// ListTasksByStatus returns every analysis task currently in the given
// status, used at process start to find tasks left `running` by a crash.
func (s *Store) ListTasksByStatus(ctx context.Context, status novel.TaskStatus) ([]*novel.AnalysisTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, novel_id, status, chapter_start, chapter_end, current_chapter, force, input_tokens, output_tokens, created_at, updated_at
		FROM analysis_tasks WHERE status = ?
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*novel.AnalysisTask
	for rows.Next() {
		var t novel.AnalysisTask
		var force int
		if err := rows.Scan(&t.ID, &t.NovelID, &t.Status, &t.ChapterStart, &t.ChapterEnd, &t.CurrentChapter, &force, &t.InputTokens, &t.OutputTokens, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Force = force != 0
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// SaveOverride stores (or replaces) a user override, which outranks any
// AI-generated value for the same key.
func (s *Store) SaveOverride(ctx context.Context, o *novel.UserOverride) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_overrides (novel_id, override_type, override_key, value_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(novel_id, override_type, override_key) DO UPDATE SET value_json=excluded.value_json
	`, o.NovelID, o.OverrideType, o.OverrideKey, string(o.Value))
	return err
}

// ListOverrides returns all overrides recorded for a novel.
func (s *Store) ListOverrides(ctx context.Context, novelID string) ([]*novel.UserOverride, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT novel_id, override_type, override_key, value_json FROM user_overrides WHERE novel_id = ?
	`, novelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var overrides []*novel.UserOverride
	for rows.Next() {
		var o novel.UserOverride
		var value string
		if err := rows.Scan(&o.NovelID, &o.OverrideType, &o.OverrideKey, &value); err != nil {
			return nil, err
		}
		o.Value = []byte(value)
		overrides = append(overrides, &o)
	}
	return overrides, rows.Err()
}

// SaveEmbedding stores a precomputed embedding vector for an entity.
func (s *Store) SaveEmbedding(ctx context.Context, novelID, entityName string, vector []float32) error {
	data, err := json.Marshal(vector)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO embeddings (novel_id, entity_name, vector_json) VALUES (?, ?, ?)
		ON CONFLICT(novel_id, entity_name) DO UPDATE SET vector_json=excluded.vector_json
	`, novelID, entityName, string(data))
	return err
}

// ListEmbeddings returns every embedding stored for a novel, for brute-force
// cosine-similarity search (no vector-index extension is wired).
func (s *Store) ListEmbeddings(ctx context.Context, novelID string) (map[string][]float32, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entity_name, vector_json FROM embeddings WHERE novel_id = ?`, novelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := map[string][]float32{}
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, err
		}
		var vec []float32
		if err := json.Unmarshal([]byte(raw), &vec); err != nil {
			continue
		}
		result[name] = vec
	}
	return result, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
