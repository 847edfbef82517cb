package tasks

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/lavallee/cub/pkg/models"
)

func ids(ts []models.Task) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.ID
	}
	return out
}

func TestSelectReady_DependencyOrder(t *testing.T) {
	all := []models.Task{
		{ID: "A", Status: models.TaskStatusOpen, Priority: 1},
		{ID: "B", Status: models.TaskStatusOpen, Priority: 0, DependsOn: []string{"A"}},
		{ID: "C", Status: models.TaskStatusOpen, Priority: 2},
	}

	// B outranks everything but is blocked on A.
	assert.Equal(t, []string{"A", "C"}, ids(SelectReady(all, "")))

	all[0].Status = models.TaskStatusClosed
	assert.Equal(t, []string{"B", "C"}, ids(SelectReady(all, "")))
}

func TestSelectReady_TieBreaksOnID(t *testing.T) {
	all := []models.Task{
		{ID: "t-3", Status: models.TaskStatusOpen, Priority: 1},
		{ID: "t-1", Status: models.TaskStatusOpen, Priority: 1},
		{ID: "t-2", Status: models.TaskStatusOpen, Priority: 1},
	}
	assert.Equal(t, []string{"t-1", "t-2", "t-3"}, ids(SelectReady(all, "")))
}

func TestSelectReady_EpicFilterAndMissingDeps(t *testing.T) {
	all := []models.Task{
		{ID: "a1", Parent: "epic-a", Status: models.TaskStatusOpen},
		{ID: "b1", Parent: "epic-b", Status: models.TaskStatusOpen},
		{ID: "a2", Parent: "epic-a", Status: models.TaskStatusOpen, DependsOn: []string{"gone"}},
		{ID: "a3", Parent: "epic-a", Status: models.TaskStatusInProgress},
	}
	assert.Equal(t, []string{"a1"}, ids(SelectReady(all, "epic-a")))
	assert.Equal(t, []string{"a1", "b1"}, ids(SelectReady(all, "")))
	assert.Empty(t, SelectReady(all, "epic-c"))
}

func TestExclude(t *testing.T) {
	ready := []models.Task{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	got := Exclude(ready, map[string]bool{"b": true})
	assert.Equal(t, []string{"a", "c"}, ids(got))
	assert.Len(t, ready, 3, "input must not be modified")
}

func genTasks(t *rapid.T) []models.Task {
	n := rapid.IntRange(0, 12).Draw(t, "n")
	statuses := []models.TaskStatus{models.TaskStatusOpen, models.TaskStatusInProgress, models.TaskStatusClosed}
	all := make([]models.Task, n)
	for i := range all {
		all[i] = models.Task{
			ID:       fmt.Sprintf("t%02d", i),
			Status:   rapid.SampledFrom(statuses).Draw(t, "status"),
			Priority: rapid.IntRange(0, 3).Draw(t, "priority"),
			Parent:   rapid.SampledFrom([]string{"", "e1", "e2"}).Draw(t, "parent"),
		}
		if i > 0 {
			deps := rapid.IntRange(0, 2).Draw(t, "deps")
			for d := 0; d < deps; d++ {
				all[i].DependsOn = append(all[i].DependsOn, fmt.Sprintf("t%02d", rapid.IntRange(0, i-1).Draw(t, "dep")))
			}
		}
	}
	return all
}

func TestSelectReady_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		all := genTasks(t)
		epic := rapid.SampledFrom([]string{"", "e1", "e2"}).Draw(t, "epic")
		ready := SelectReady(all, epic)

		byID := make(map[string]models.Task, len(all))
		for _, task := range all {
			byID[task.ID] = task
		}

		// Every selected task satisfies the ready rule.
		for _, task := range ready {
			require.Equal(t, models.TaskStatusOpen, task.Status)
			require.True(t, task.InEpic(epic))
			for _, dep := range task.DependsOn {
				require.True(t, byID[dep].IsClosed(), "dep %s of %s not closed", dep, task.ID)
			}
		}

		// No ready task is missing.
		want := 0
		for _, task := range all {
			if task.Status != models.TaskStatusOpen || !task.InEpic(epic) {
				continue
			}
			ok := true
			for _, dep := range task.DependsOn {
				ok = ok && byID[dep].IsClosed()
			}
			if ok {
				want++
			}
		}
		require.Len(t, ready, want)

		// Ordering is (priority, id).
		require.True(t, sort.SliceIsSorted(ready, func(i, j int) bool {
			if ready[i].Priority != ready[j].Priority {
				return ready[i].Priority < ready[j].Priority
			}
			return ready[i].ID < ready[j].ID
		}))
	})
}
