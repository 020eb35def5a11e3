package store

import (
	"context"
	"testing"
	"time"

	"portal-orchestrator/internal/models"
)

func TestSortClaimedPriorityThenFIFO(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	jobs := []models.Job{
		{ID: 1, Priority: 1, CreatedAt: base},
		{ID: 2, Priority: 10, CreatedAt: base.Add(2 * time.Second)},
		{ID: 3, Priority: 5, CreatedAt: base.Add(time.Second)},
		{ID: 4, Priority: 10, CreatedAt: base.Add(time.Second)},
		{ID: 5, Priority: 5, CreatedAt: base.Add(3 * time.Second)},
	}

	sortClaimed(jobs)

	want := []int64{4, 2, 3, 5, 1}
	for i, id := range want {
		if jobs[i].ID != id {
			t.Fatalf("position %d: got job %d, want %d (order %+v)", i, jobs[i].ID, id, ids(jobs))
		}
	}
}

func ids(jobs []models.Job) []int64 {
	out := make([]int64, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

func TestMarkTerminalRejectsNonTerminalStatus(t *testing.T) {
	s := &Store{}
	if err := s.MarkTerminal(context.Background(), 1, models.StatusRunning, nil); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
	if err := s.SettleAttempt(context.Background(), 1, "d-1", models.StatusRunning, nil); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
}
