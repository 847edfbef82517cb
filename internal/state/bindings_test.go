package state

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/lavallee/cub/pkg/models"
)

func osPID() int { return os.Getpid() }

func TestBindings(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, ok, err := db.GetBinding(ctx, "epic-1")
	if err != nil || ok {
		t.Fatalf("GetBinding on empty table = %v, %v", ok, err)
	}

	b := models.BranchBinding{
		Epic:       "epic-1",
		Branch:     "cub/epic-1",
		BaseBranch: "main",
		CreatedAt:  time.Now(),
	}
	if err := db.SaveBinding(ctx, b); err != nil {
		t.Fatalf("SaveBinding failed: %v", err)
	}
	b.WorktreePath = "/tmp/wt/epic-1"
	if err := db.SaveBinding(ctx, b); err != nil {
		t.Fatalf("SaveBinding update failed: %v", err)
	}
	if err := db.SetPullRequest(ctx, "epic-1", "#42"); err != nil {
		t.Fatalf("SetPullRequest failed: %v", err)
	}

	got, ok, err := db.GetBinding(ctx, "epic-1")
	if err != nil || !ok {
		t.Fatalf("GetBinding = %v, %v", ok, err)
	}
	if got.WorktreePath != "/tmp/wt/epic-1" || got.PullRequest != "#42" || got.BaseBranch != "main" {
		t.Errorf("unexpected binding %+v", got)
	}

	all, err := db.ListBindings(ctx)
	if err != nil || len(all) != 1 {
		t.Errorf("ListBindings = %v, %v", all, err)
	}

	if err := db.SetPullRequest(ctx, "unknown", "#1"); err == nil {
		t.Error("expected error for unknown epic")
	}
}
