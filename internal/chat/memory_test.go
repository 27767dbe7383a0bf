package chat

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/classroom-live/backend/internal/models"
)

func TestMemoryStoreAppendAssignsSequentialIDs(t *testing.T) {
	s := NewMemoryStore()
	sessionID := uuid.New()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		ev, err := s.Append(ctx, models.ChatEvent{SessionID: sessionID, UserName: "amina", Text: "hi", Kind: models.EventMessage})
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if ev.ID != int64(i) {
			t.Fatalf("Append() id = %d, want %d", ev.ID, i)
		}
	}
}

// N concurrent appends must produce exactly the ids k+1..k+N, no gaps, no
// duplicates.
func TestMemoryStoreConcurrentAppendsAreGapFree(t *testing.T) {
	s := NewMemoryStore()
	sessionID := uuid.New()
	ctx := context.Background()

	// Pre-seed a few events so the range does not start at 1.
	for i := 0; i < 3; i++ {
		if _, err := s.Append(ctx, models.ChatEvent{SessionID: sessionID, Kind: models.EventMessage}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	const n = 200
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, err := s.Append(ctx, models.ChatEvent{SessionID: sessionID, Kind: models.EventMessage})
			if err != nil {
				t.Errorf("Append() error = %v", err)
				return
			}
			ids <- ev.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
	for want := int64(4); want <= int64(3+n); want++ {
		if !seen[want] {
			t.Fatalf("missing id %d", want)
		}
	}
}

func TestMemoryStoreQuerySinceCursor(t *testing.T) {
	s := NewMemoryStore()
	sessionID := uuid.New()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := s.Append(ctx, models.ChatEvent{SessionID: sessionID, Kind: models.EventMessage}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	tests := []struct {
		name    string
		afterID int64
		limit   int
		wantIDs []int64
	}{
		{"full history", 0, 0, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}},
		{"resume mid-stream", 7, 0, []int64{8, 9, 10}},
		{"limited page", 2, 3, []int64{3, 4, 5}},
		{"caught up", 10, 0, nil},
		{"past the end", 99, 5, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.QuerySince(ctx, sessionID, tt.afterID, tt.limit)
			if err != nil {
				t.Fatalf("QuerySince() error = %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("QuerySince() returned %d events, want %d", len(got), len(tt.wantIDs))
			}
			for i, ev := range got {
				if ev.ID != tt.wantIDs[i] {
					t.Fatalf("event[%d].ID = %d, want %d", i, ev.ID, tt.wantIDs[i])
				}
			}
		})
	}
}

func TestMemoryStoreQueryLatestReturnsTail(t *testing.T) {
	s := NewMemoryStore()
	sessionID := uuid.New()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := s.Append(ctx, models.ChatEvent{SessionID: sessionID, Kind: models.EventMessage}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	tests := []struct {
		name    string
		limit   int
		wantIDs []int64
	}{
		{"tail smaller than log", 3, []int64{8, 9, 10}},
		{"tail equal to log", 10, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}},
		{"tail larger than log", 50, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}},
		{"no cap", 0, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.QueryLatest(ctx, sessionID, tt.limit)
			if err != nil {
				t.Fatalf("QueryLatest() error = %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("QueryLatest() returned %d events, want %d", len(got), len(tt.wantIDs))
			}
			for i, ev := range got {
				if ev.ID != tt.wantIDs[i] {
					t.Fatalf("event[%d].ID = %d, want %d (ascending tail)", i, ev.ID, tt.wantIDs[i])
				}
			}
		})
	}

	if got, err := s.QueryLatest(ctx, uuid.New(), 5); err != nil || got != nil {
		t.Fatalf("QueryLatest(unknown session) = %v, %v, want empty", got, err)
	}
}

func TestMemoryStoreSessionsAreIndependent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	if _, err := s.Append(ctx, models.ChatEvent{SessionID: a, Kind: models.EventMessage}); err != nil {
		t.Fatalf("Append(a) error = %v", err)
	}
	ev, err := s.Append(ctx, models.ChatEvent{SessionID: b, Kind: models.EventMessage})
	if err != nil {
		t.Fatalf("Append(b) error = %v", err)
	}
	if ev.ID != 1 {
		t.Fatalf("session b first id = %d, want 1", ev.ID)
	}
}

func TestNewStoreFactory(t *testing.T) {
	if _, err := NewStore("memory", nil); err != nil {
		t.Fatalf("NewStore(memory) error = %v", err)
	}
	if _, err := NewStore("postgres", nil); err == nil {
		t.Fatalf("NewStore(postgres) without pool should fail")
	}
	if _, err := NewStore("bogus", nil); err == nil {
		t.Fatalf("NewStore(bogus) should fail")
	}
}
