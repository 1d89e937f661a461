package history

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"MealLens/internal/config"
	"MealLens/internal/extract"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(config.HistoryConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "history.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewEntry(t *testing.T) {
	t.Run("record", func(t *testing.T) {
		res := extract.Extract(`{"name":"Oats","score":"91","calories":320,"ingredients":["oats","berries"]}`)
		e, err := NewEntry([]byte("img"), "describe", res, 1500*time.Millisecond)
		if err != nil {
			t.Fatalf("NewEntry: %v", err)
		}
		if e.Name != "Oats" || e.Score != 91 || e.Calories != 320 || e.Fallback || e.DurationMS != 1500 {
			t.Errorf("NewEntry() = %+v", e)
		}
		if e.ImageSHA256 != "b29814cf5792e684cd75d6a7fce7a67a11887e312f87ca2ac2496d81f365ff72" {
			t.Errorf("ImageSHA256 = %q", e.ImageSHA256)
		}
		if diff := cmp.Diff([]string{"oats", "berries"}, e.Ingredients); diff != "" {
			t.Errorf("Ingredients mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("defaulted fields", func(t *testing.T) {
		res := extract.Extract(`{"name":"Pho","score":72}`)
		res.Defaulted = []string{"carbs", "protein"}
		e, err := NewEntry([]byte("img"), "", res, 0)
		if err != nil {
			t.Fatalf("NewEntry: %v", err)
		}
		want := []string{"carbs", "protein", "fats", "calories", "hydration", "advice", "ingredients", "strengths", "improvements"}
		if diff := cmp.Diff(want, e.Defaulted); diff != "" {
			t.Errorf("Defaulted mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("failure", func(t *testing.T) {
		e, err := NewEntry(nil, "", extract.Fail(extract.MsgModelNotReady), 0)
		if err != nil {
			t.Fatalf("NewEntry: %v", err)
		}
		if !e.Fallback || e.Error != extract.MsgModelNotReady || e.Name != "" {
			t.Errorf("NewEntry() = %+v", e)
		}
		if string(e.Raw) != `{"error":"Model not loaded","fallback":true}` {
			t.Errorf("Raw = %s", e.Raw)
		}
	})
}

func TestStoreAppendRecent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.UnixMilli(1_700_000_000_000)
	var appended []Entry
	for i, name := range []string{"first", "second", "third"} {
		e, err := store.Append(ctx, Entry{
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
			ImageSHA256: "abc",
			Name:        name,
			Score:       80 + i,
			Carbs:       12.5,
			Ingredients: []string{"rice"},
			Raw:         json.RawMessage(`{"name":"` + name + `"}`),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if e.ID == "" {
			t.Fatal("Append did not assign an id")
		}
		appended = append(appended, e)
	}

	got, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	want := []Entry{appended[2], appended[1]}
	for i := range want {
		want[i].Strengths = []string{}
		want[i].Improvements = []string{}
		want[i].Defaulted = []string{}
	}
	opts := cmp.Options{
		cmpopts.EquateApproxTime(time.Millisecond),
		cmp.Comparer(func(a, b json.RawMessage) bool { return string(a) == string(b) }),
	}
	if diff := cmp.Diff(want, got, opts); diff != "" {
		t.Errorf("Recent mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreDefaultedRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if _, err := store.Append(ctx, Entry{Name: "Pho", Defaulted: []string{"calories", "advice"}, Raw: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err := store.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if diff := cmp.Diff([]string{"calories", "advice"}, got[0].Defaulted); diff != "" {
		t.Errorf("Defaulted mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLitePragmas(t *testing.T) {
	store := openTestStore(t)

	var timeout int
	if err := store.db.QueryRow(`PRAGMA busy_timeout`).Scan(&timeout); err != nil {
		t.Fatalf("busy_timeout: %v", err)
	}
	if timeout != busyTimeoutMS {
		t.Errorf("busy_timeout = %d, want %d", timeout, busyTimeoutMS)
	}

	var mode string
	if err := store.db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestStoreValidation(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Recent(context.Background(), 0); err == nil {
		t.Error("Recent(0) succeeded")
	}
	if _, err := Open(config.HistoryConfig{Driver: "postgres", Path: filepath.Join(t.TempDir(), "x.db")}); err == nil {
		t.Error("Open accepted an unknown driver")
	}
}

func TestWriterFlushesOnClose(t *testing.T) {
	store := openTestStore(t)
	w := NewWriter(store, 1)
	for i := 0; i < 4; i++ {
		w.Record([]byte{byte(i)}, "p", extract.Extract(`{"name":"Soup"}`), time.Millisecond)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	w.Record([]byte{9}, "p", extract.Fail("late"), 0)

	got, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("stored %d entries, want 4", len(got))
	}
	for _, e := range got {
		if e.Name != "Soup" || e.Prompt != "p" {
			t.Errorf("entry = %+v", e)
		}
	}
}
