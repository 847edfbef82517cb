package state

import (
	"context"
	"testing"
	"time"

	"github.com/lavallee/cub/pkg/models"
)

func TestRunLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Minute)

	if err := db.StartRun(ctx, RunRecord{SessionID: "s1", PID: 123, Epic: "e1", Harness: "claude", StartedAt: started}); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	r, err := db.GetRun(ctx, "s1")
	if err != nil || r == nil {
		t.Fatalf("GetRun = %v, %v", r, err)
	}
	if r.Finished() {
		t.Error("run should not be finished")
	}

	err = db.FinishRun(ctx, models.RunArtifact{
		SessionID:  "s1",
		FinishedAt: time.Now(),
		ExitReason: models.ExitNoReadyTasks,
		Iterations: 4,
		Budget:     models.BudgetSnapshot{Cost: 1.25, Tokens: 4000},
	})
	if err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	r, _ = db.GetRun(ctx, "s1")
	if !r.Finished() || r.ExitReason != models.ExitNoReadyTasks || r.Iterations != 4 || r.Cost != 1.25 {
		t.Errorf("unexpected run after finish: %+v", r)
	}

	missing, err := db.GetRun(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("GetRun(nope) = %v, %v", missing, err)
	}
}

func TestRecoverOrphans(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedTasks(t, db, models.Task{ID: "t1", Title: "one"}, models.Task{ID: "t2", Title: "two"})

	// PID 0 never matches a live process.
	db.StartRun(ctx, RunRecord{SessionID: "dead", PID: 0, StartedAt: time.Now()})
	db.StartRun(ctx, RunRecord{SessionID: "alive", PID: osPID(), StartedAt: time.Now()})
	db.Claim(ctx, "t1", "dead")
	db.Claim(ctx, "t2", "alive")

	recovered, err := db.RecoverOrphans(ctx)
	if err != nil {
		t.Fatalf("RecoverOrphans failed: %v", err)
	}
	if len(recovered) != 1 || recovered[0].SessionID != "dead" {
		t.Fatalf("recovered = %+v", recovered)
	}
	if len(recovered[0].Released) != 1 || recovered[0].Released[0] != "t1" {
		t.Errorf("released = %v, want [t1]", recovered[0].Released)
	}

	t1, _ := db.GetTask(ctx, "t1")
	t2, _ := db.GetTask(ctx, "t2")
	if t1.Status != models.TaskStatusOpen {
		t.Errorf("t1 status = %q, want open", t1.Status)
	}
	if t2.Status != models.TaskStatusInProgress {
		t.Errorf("t2 status = %q, want in_progress", t2.Status)
	}

	r, _ := db.GetRun(ctx, "dead")
	if !r.Finished() || r.ExitReason != models.ExitError {
		t.Errorf("dead run not marked finished: %+v", r)
	}
}
