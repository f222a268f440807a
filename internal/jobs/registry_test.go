package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func registries(t *testing.T) map[string]Registry {
	t.Helper()
	sqlite, err := NewSQLiteRegistry(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRegistry: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Registry{
		"memory": NewMemoryRegistry(),
		"sqlite": sqlite,
	}
}

func newRecord(id string) Record {
	return Record{
		ID:          id,
		SourceKey:   "uploads/" + id + ".png",
		OriginalURL: "http://cdn.local/uploads/" + id + ".png",
		ContentType: "image/png",
	}
}

func TestRegistry_Lifecycle(t *testing.T) {
	ctx := context.Background()
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			if err := reg.Create(ctx, newRecord("job-1")); err != nil {
				t.Fatalf("Create: %v", err)
			}

			got, err := reg.Get(ctx, "job-1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Status != StatusPending {
				t.Fatalf("new record should be pending, got %s", got.Status)
			}
			if got.OriginalURL == "" || got.ProcessedURL != "" || got.ThumbnailURL != "" {
				t.Fatalf("unexpected urls on pending record: %+v", got)
			}
			if got.CreatedAt.IsZero() {
				t.Fatal("CreatedAt not set")
			}

			rec, err := reg.Update(ctx, "job-1", Processing())
			if err != nil {
				t.Fatalf("Update processing: %v", err)
			}
			if rec.Status != StatusProcessing {
				t.Fatalf("expected processing snapshot, got %s", rec.Status)
			}

			rec, err = reg.Update(ctx, "job-1", Done("http://cdn/p.jpg", "http://cdn/t.jpg"))
			if err != nil {
				t.Fatalf("Update done: %v", err)
			}
			if rec.ProcessedURL != "http://cdn/p.jpg" || rec.ThumbnailURL != "http://cdn/t.jpg" {
				t.Fatalf("done snapshot missing urls: %+v", rec)
			}

			got, err = reg.Get(ctx, "job-1")
			if err != nil {
				t.Fatalf("Get after done: %v", err)
			}
			if got.Status != StatusDone || got.OriginalURL != "http://cdn.local/uploads/job-1.png" {
				t.Fatalf("record mismatch: %+v", got)
			}
		})
	}
}

func TestRegistry_DuplicateID(t *testing.T) {
	ctx := context.Background()
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			if err := reg.Create(ctx, newRecord("dup")); err != nil {
				t.Fatalf("Create: %v", err)
			}
			err := reg.Create(ctx, newRecord("dup"))
			if !errors.Is(err, ErrDuplicateID) {
				t.Fatalf("expected ErrDuplicateID, got %v", err)
			}
		})
	}
}

func TestRegistry_NotFound(t *testing.T) {
	ctx := context.Background()
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"missing", "", "../etc/passwd", "%%%"} {
				if _, err := reg.Get(ctx, id); !errors.Is(err, ErrNotFound) {
					t.Fatalf("Get(%q): expected ErrNotFound, got %v", id, err)
				}
			}
			if _, err := reg.Update(ctx, "missing", Processing()); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Update: expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestRegistry_RejectsInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	far := time.Now().Add(time.Hour)
	tests := []struct {
		name  string
		setup []Patch
		patch Patch
		want  error
	}{
		{"pending to done", nil, Done("p", "t"), ErrInvalidTransition},
		{"processing twice", []Patch{Processing()}, Processing(), ErrInvalidTransition},
		{"done is terminal", []Patch{Processing(), Done("p", "t")}, Failed(errors.New("late")), ErrTerminal},
		{"failed is terminal", []Patch{Failed(errors.New("boom"))}, Processing(), ErrTerminal},
		{"done without thumbnail", []Patch{Processing()}, Patch{Status: StatusDone, ProcessedURL: "p"}, ErrInvalidTransition},
		{"back to pending", []Patch{Processing()}, Patch{Status: StatusPending}, ErrInvalidTransition},
		{"claim while leased", []Patch{Claim("w1", far)}, Claim("w2", far), ErrClaimed},
		{"release by another owner", []Patch{Claim("w1", far)}, Release("w2"), ErrClaimed},
		{"release pending", nil, Release("w1"), ErrInvalidTransition},
		{"claim done", []Patch{Claim("w1", far), Done("p", "t")}, Claim("w2", far), ErrTerminal},
		{"lease on failed", nil, Patch{Status: StatusFailed, FailureReason: "x", LeaseOwner: "w1"}, ErrInvalidTransition},
	}

	for name, reg := range registries(t) {
		for i, tt := range tests {
			t.Run(name+"/"+tt.name, func(t *testing.T) {
				id := fmt.Sprintf("job-%d", i)
				if err := reg.Create(ctx, newRecord(id)); err != nil {
					t.Fatalf("Create: %v", err)
				}
				for _, p := range tt.setup {
					if _, err := reg.Update(ctx, id, p); err != nil {
						t.Fatalf("setup update %s: %v", p.Status, err)
					}
				}
				before, _ := reg.Get(ctx, id)

				_, err := reg.Update(ctx, id, tt.patch)
				if !errors.Is(err, tt.want) {
					t.Fatalf("expected %v, got %v", tt.want, err)
				}

				after, _ := reg.Get(ctx, id)
				if after.Status != before.Status || after.ProcessedURL != before.ProcessedURL ||
					after.FailureReason != before.FailureReason || after.LeaseOwner != before.LeaseOwner ||
					after.Claims != before.Claims {
					t.Fatalf("rejected update mutated the record: before=%+v after=%+v", before, after)
				}
			})
		}
	}
}

func TestRegistry_FailedRecordsReason(t *testing.T) {
	ctx := context.Background()
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			if err := reg.Create(ctx, newRecord("f1")); err != nil {
				t.Fatalf("Create: %v", err)
			}
			rec, err := reg.Update(ctx, "f1", Failed(nil))
			if err != nil {
				t.Fatalf("Update failed: %v", err)
			}
			if rec.FailureReason == "" {
				t.Fatal("failed record should always carry a reason")
			}
			if rec.ProcessedURL != "" || rec.ThumbnailURL != "" {
				t.Fatalf("failed record has urls: %+v", rec)
			}
		})
	}
}

func TestRegistry_ListOldestFirst(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			for i, id := range []string{"c", "a", "b"} {
				rec := newRecord(id)
				rec.CreatedAt = base.Add(time.Duration(i) * time.Second)
				if err := reg.Create(ctx, rec); err != nil {
					t.Fatalf("Create %s: %v", id, err)
				}
			}
			if _, err := reg.Update(ctx, "a", Processing()); err != nil {
				t.Fatalf("Update: %v", err)
			}

			got, err := reg.List(ctx, StatusPending, 0)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
				t.Fatalf("unexpected pending list: %+v", got)
			}

			limited, err := reg.List(ctx, StatusPending, 1)
			if err != nil {
				t.Fatalf("List limited: %v", err)
			}
			if len(limited) != 1 || limited[0].ID != "c" {
				t.Fatalf("unexpected limited list: %+v", limited)
			}
		})
	}
}

// Readers racing the final transition must see either no urls or both.
func TestRegistry_ConcurrentReadersNeverSeeHalfMergedRecord(t *testing.T) {
	ctx := context.Background()
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			const n = 20
			for i := 0; i < n; i++ {
				id := fmt.Sprintf("r-%d", i)
				if err := reg.Create(ctx, newRecord(id)); err != nil {
					t.Fatalf("Create: %v", err)
				}
			}

			var wg sync.WaitGroup
			stop := make(chan struct{})
			errs := make(chan error, 8)
			for r := 0; r < 4; r++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						select {
						case <-stop:
							return
						default:
						}
						for i := 0; i < n; i++ {
							rec, err := reg.Get(ctx, fmt.Sprintf("r-%d", i))
							if err != nil {
								errs <- err
								return
							}
							if (rec.ProcessedURL == "") != (rec.ThumbnailURL == "") {
								errs <- fmt.Errorf("half-merged record observed: %+v", rec)
								return
							}
							if rec.Status == StatusDone && rec.ProcessedURL == "" {
								errs <- fmt.Errorf("done without urls: %+v", rec)
								return
							}
						}
					}
				}()
			}

			for i := 0; i < n; i++ {
				id := fmt.Sprintf("r-%d", i)
				if _, err := reg.Update(ctx, id, Processing()); err != nil {
					t.Fatalf("Update processing: %v", err)
				}
				if _, err := reg.Update(ctx, id, Done("p-"+id, "t-"+id)); err != nil {
					t.Fatalf("Update done: %v", err)
				}
			}
			close(stop)
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Fatal(err)
			}
		})
	}
}

func TestRegistry_ConcurrentClaimHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			if err := reg.Create(ctx, newRecord("claim")); err != nil {
				t.Fatalf("Create: %v", err)
			}
			until := time.Now().Add(time.Hour)
			var wg sync.WaitGroup
			var mu sync.Mutex
			wins := 0
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := reg.Update(ctx, "claim", Claim(fmt.Sprintf("w%d", i), until))
					if err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
						return
					}
					if !errors.Is(err, ErrClaimed) {
						t.Errorf("unexpected claim error: %v", err)
					}
				}()
			}
			wg.Wait()
			if wins != 1 {
				t.Fatalf("expected exactly one claim to win, got %d", wins)
			}
		})
	}
}

func TestRegistry_LeaseTakeoverAndRelease(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			if err := reg.Create(ctx, newRecord("lease")); err != nil {
				t.Fatalf("Create: %v", err)
			}
			// a claimant that crashed long ago
			if _, err := reg.Update(ctx, "lease", Claim("w1", now.Add(-time.Minute))); err != nil {
				t.Fatalf("first claim: %v", err)
			}

			rec, err := reg.Update(ctx, "lease", Claim("w2", now.Add(time.Hour)))
			if err != nil {
				t.Fatalf("takeover of expired lease: %v", err)
			}
			if rec.LeaseOwner != "w2" || rec.Claims != 2 || !rec.LeaseUntil.After(now) {
				t.Fatalf("unexpected lease after takeover: %+v", rec)
			}
			if _, err := reg.Update(ctx, "lease", Claim("w3", now.Add(time.Hour))); !errors.Is(err, ErrClaimed) {
				t.Fatalf("claim during live lease: expected ErrClaimed, got %v", err)
			}

			rec, err = reg.Update(ctx, "lease", Release("w2"))
			if err != nil {
				t.Fatalf("Release: %v", err)
			}
			if rec.Status != StatusProcessing || rec.LeaseOwner != "" || !rec.LeaseUntil.IsZero() {
				t.Fatalf("unexpected record after release: %+v", rec)
			}

			if _, err := reg.Update(ctx, "lease", Claim("w3", now.Add(time.Hour))); err != nil {
				t.Fatalf("claim after release: %v", err)
			}
			rec, err = reg.Update(ctx, "lease", Done("p", "t"))
			if err != nil {
				t.Fatalf("Done: %v", err)
			}
			if rec.LeaseOwner != "" || !rec.LeaseUntil.IsZero() || rec.Claims != 3 {
				t.Fatalf("done record should drop the lease: %+v", rec)
			}
		})
	}
}

func TestSQLiteRegistry_RejectsUnparseableTimestamps(t *testing.T) {
	ctx := context.Background()
	reg, err := NewSQLiteRegistry(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRegistry: %v", err)
	}
	defer reg.Close()

	if err := reg.Create(ctx, newRecord("bad-time")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := reg.db.Exec(`UPDATE jobs SET created_at = 'yesterday' WHERE id = ?`, "bad-time"); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	if _, err := reg.Get(ctx, "bad-time"); err == nil || !strings.Contains(err.Error(), "created_at") {
		t.Fatalf("Get: expected created_at parse error, got %v", err)
	}
	if _, err := reg.List(ctx, StatusPending, 0); err == nil {
		t.Fatal("List: expected parse error")
	}
}

func TestSQLiteRegistry_UpgradesOlderSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = db.Exec(`CREATE TABLE jobs (
		id TEXT PRIMARY KEY, source_key TEXT NOT NULL, original_url TEXT NOT NULL,
		content_type TEXT NOT NULL, status TEXT NOT NULL, processed_url TEXT, thumbnail_url TEXT,
		failure_reason TEXT, created_at TEXT NOT NULL, updated_at TEXT NOT NULL)`)
	if err != nil {
		t.Fatalf("create old table: %v", err)
	}
	ts := formatTime(time.Now())
	if _, err := db.Exec(`INSERT INTO jobs (id, source_key, original_url, content_type, status, created_at, updated_at)
		VALUES ('old', 'k', 'u', 'image/png', 'processing', ?, ?)`, ts, ts); err != nil {
		t.Fatalf("insert old row: %v", err)
	}
	_ = db.Close()

	reg, err := NewSQLiteRegistry(path)
	if err != nil {
		t.Fatalf("NewSQLiteRegistry on old schema: %v", err)
	}
	defer reg.Close()

	// rows from before leases existed have none, so they can be claimed
	rec, err := reg.Update(ctx, "old", Claim("w1", time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("claim old row: %v", err)
	}
	if rec.LeaseOwner != "w1" || rec.Claims != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}
