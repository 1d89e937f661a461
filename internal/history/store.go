// Package history persists service-mode analyses.
package history

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/marcboeker/go-duckdb"
	_ "modernc.org/sqlite"

	"MealLens/internal/config"
	"MealLens/internal/extract"
	"MealLens/internal/nutrition"
)

// Entry is one stored analysis.
type Entry struct {
	ID           string          `json:"id"`
	CreatedAt    time.Time       `json:"created_at"`
	ImageSHA256  string          `json:"image_sha256"`
	Prompt       string          `json:"prompt"`
	Name         string          `json:"name"`
	Score        int             `json:"score"`
	Carbs        float64         `json:"carbs"`
	Protein      float64         `json:"protein"`
	Fats         float64         `json:"fats"`
	Calories     int             `json:"calories"`
	Hydration    int             `json:"hydration"`
	Ingredients  []string        `json:"ingredients"`
	Strengths    []string        `json:"strengths"`
	Improvements []string        `json:"improvements"`
	Defaulted    []string        `json:"defaulted"`
	Advice       string          `json:"advice"`
	Raw          json.RawMessage `json:"raw"`
	Fallback     bool            `json:"fallback"`
	Error        string          `json:"error,omitempty"`
	DurationMS   int64           `json:"duration_ms"`
}

// NewEntry summarises one analysis. Failed results keep their failure
// record as Raw and leave the nutrition columns at zero. Defaulted lists the
// schema fields the model did not produce, whether they were filled into
// the record or only into the normalized columns.
func NewEntry(image []byte, prompt string, res extract.Result, elapsed time.Duration) (Entry, error) {
	sum := sha256.Sum256(image)
	raw, err := json.Marshal(res)
	if err != nil {
		return Entry{}, fmt.Errorf("history: encode result: %w", err)
	}

	e := Entry{
		ImageSHA256:  hex.EncodeToString(sum[:]),
		Prompt:       prompt,
		Raw:          raw,
		DurationMS:   elapsed.Milliseconds(),
		Ingredients:  []string{},
		Strengths:    []string{},
		Improvements: []string{},
		Defaulted:    []string{},
	}
	if res.Failed() {
		e.Fallback = true
		if res.Failure != nil {
			e.Error = res.Failure.Error
		}
		return e, nil
	}

	m := nutrition.Normalize(res.Record)
	e.Name = m.Name
	e.Score = m.Score
	e.Carbs = m.Carbs
	e.Protein = m.Protein
	e.Fats = m.Fats
	e.Calories = m.Calories
	e.Hydration = m.Hydration
	e.Ingredients = m.Ingredients
	e.Strengths = m.Strengths
	e.Improvements = m.Improvements
	e.Advice = m.Advice
	e.Defaulted = append(e.Defaulted, res.Defaulted...)
	e.Defaulted = append(e.Defaulted, nutrition.Missing(res.Record)...)
	return e, nil
}

// Store wraps a SQLite or DuckDB database holding analysis history.
type Store struct {
	db         *sql.DB
	driver     string
	insertStmt *sql.Stmt
	selectStmt *sql.Stmt
	mu         sync.RWMutex
}

// busyTimeoutMS is how long a SQLite connection waits on a locked database.
const busyTimeoutMS = 5000

const columns = `id, created_at, image_sha256, prompt, name, score, carbs, protein, fats, calories,
	hydration, ingredients, strengths, improvements, defaulted, advice, raw, fallback, error, duration_ms`

// Open opens (and initializes) the history database named by cfg.
func Open(cfg config.HistoryConfig) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := cfg.Path
	if path == "" {
		path = "meallens_history.db"
	}

	if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: failed to ensure directory: %w", err)
		}
	}

	var dsn string
	switch driver {
	case "sqlite":
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, busyTimeoutMS)
	case "duckdb":
		dsn = path
	default:
		return nil, fmt.Errorf("history: unsupported driver %q", cfg.Driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: failed to open %s store: %w", driver, err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}

	if err := bootstrap(db, driver); err != nil {
		db.Close()
		return nil, err
	}

	insertStmt, err := db.Prepare(`INSERT INTO analyses (` + columns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("history: failed to prepare insert statement: %w", err)
	}

	selectStmt, err := db.Prepare(`SELECT ` + columns + ` FROM analyses ORDER BY created_at DESC, id LIMIT ?`)
	if err != nil {
		insertStmt.Close()
		db.Close()
		return nil, fmt.Errorf("history: failed to prepare select statement: %w", err)
	}

	return &Store{db: db, driver: driver, insertStmt: insertStmt, selectStmt: selectStmt}, nil
}

func bootstrap(db *sql.DB, driver string) error {
	if driver == "sqlite" {
		if _, err := db.Exec(`PRAGMA synchronous=NORMAL`); err != nil {
			return fmt.Errorf("history: failed to configure database: %w", err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS analyses (
			id TEXT PRIMARY KEY,
			created_at BIGINT NOT NULL,
			image_sha256 TEXT NOT NULL,
			prompt TEXT NOT NULL,
			name TEXT NOT NULL,
			score BIGINT NOT NULL,
			carbs DOUBLE NOT NULL,
			protein DOUBLE NOT NULL,
			fats DOUBLE NOT NULL,
			calories BIGINT NOT NULL,
			hydration BIGINT NOT NULL,
			ingredients TEXT NOT NULL,
			strengths TEXT NOT NULL,
			improvements TEXT NOT NULL,
			defaulted TEXT NOT NULL,
			advice TEXT NOT NULL,
			raw TEXT NOT NULL,
			fallback BIGINT NOT NULL,
			error TEXT NOT NULL,
			duration_ms BIGINT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("history: failed to create analyses table: %w", err)
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_analyses_created_at ON analyses(created_at)`); err != nil {
		return fmt.Errorf("history: failed to create timestamp index: %w", err)
	}
	return nil
}

// Driver names the database backend.
func (s *Store) Driver() string { return s.driver }

// Append stores e, assigning an id and timestamp when absent. The stored
// entry is returned.
func (s *Store) Append(ctx context.Context, e Entry) (Entry, error) {
	if s == nil || s.db == nil {
		return Entry{}, errors.New("history store is not initialized")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if len(e.Raw) == 0 {
		e.Raw = json.RawMessage("null")
	}

	lists := make([]string, 0, 4)
	for _, l := range [][]string{e.Ingredients, e.Strengths, e.Improvements, e.Defaulted} {
		if l == nil {
			l = []string{}
		}
		b, err := json.Marshal(l)
		if err != nil {
			return Entry{}, fmt.Errorf("history: encode list: %w", err)
		}
		lists = append(lists, string(b))
	}

	s.mu.RLock()
	stmt := s.insertStmt
	s.mu.RUnlock()
	if stmt == nil {
		return Entry{}, errors.New("insert statement not prepared")
	}

	fallback := 0
	if e.Fallback {
		fallback = 1
	}
	if _, err := stmt.ExecContext(ctx,
		e.ID, e.CreatedAt.UnixMilli(), e.ImageSHA256, e.Prompt, e.Name, e.Score,
		e.Carbs, e.Protein, e.Fats, e.Calories, e.Hydration,
		lists[0], lists[1], lists[2], lists[3], e.Advice, string(e.Raw), fallback, e.Error, e.DurationMS,
	); err != nil {
		return Entry{}, fmt.Errorf("history: failed to append analysis: %w", err)
	}
	e.CreatedAt = time.UnixMilli(e.CreatedAt.UnixMilli())
	return e, nil
}

// Recent retrieves up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("history store is not initialized")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be greater than zero")
	}

	s.mu.RLock()
	stmt := s.selectStmt
	s.mu.RUnlock()
	if stmt == nil {
		return nil, errors.New("select statement not prepared")
	}

	rows, err := stmt.QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("history: failed to query recent analyses: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e                               Entry
			created, score, calories, hydra int64
			fallback, duration              int64
			ingredients, strengths, improve string
			defaulted                       string
			raw                             string
		)
		if err := rows.Scan(&e.ID, &created, &e.ImageSHA256, &e.Prompt, &e.Name, &score,
			&e.Carbs, &e.Protein, &e.Fats, &calories, &hydra,
			&ingredients, &strengths, &improve, &defaulted, &e.Advice, &raw, &fallback, &e.Error, &duration); err != nil {
			return nil, fmt.Errorf("history: failed to scan row: %w", err)
		}
		e.CreatedAt = time.UnixMilli(created)
		e.Score, e.Calories, e.Hydration = int(score), int(calories), int(hydra)
		e.Fallback = fallback != 0
		e.DurationMS = duration
		e.Raw = json.RawMessage(raw)
		for _, dst := range []struct {
			src string
			out *[]string
		}{{ingredients, &e.Ingredients}, {strengths, &e.Strengths}, {improve, &e.Improvements}, {defaulted, &e.Defaulted}} {
			if err := json.Unmarshal([]byte(dst.src), dst.out); err != nil {
				return nil, fmt.Errorf("history: decode list: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: error iterating rows: %w", err)
	}
	return entries, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.insertStmt != nil {
		errs = append(errs, s.insertStmt.Close())
		s.insertStmt = nil
	}
	if s.selectStmt != nil {
		errs = append(errs, s.selectStmt.Close())
		s.selectStmt = nil
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
		s.db = nil
	}
	return errors.Join(errs...)
}
