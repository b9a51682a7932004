package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// stepClock advances by one second on every call so rows written in
// sequence get distinct, ordered timestamps.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	clock := &stepClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(5000)"
	s, err := OpenDriver(context.Background(), "sqlite", dsn, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestProject(t *testing.T, s *Store, slug string) *Project {
	t.Helper()
	p, err := s.CreateProject(context.Background(), NewProject{Name: "Project " + slug, Slug: slug})
	require.NoError(t, err)
	return p
}

func ptr[T any](v T) *T { return &v }

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Migrate(ctx))

	status, err := s.MigrationStatus(ctx)
	require.NoError(t, err)
	require.Len(t, status, 2)
	for i, st := range status {
		require.Equal(t, int64(i+1), st.Source.Version)
		require.False(t, st.AppliedAt.IsZero(), "migration %d not applied", st.Source.Version)
	}
}

func TestProjects_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, NewProject{Name: "Website Redesign", Slug: "website-redesign", Description: "Q3"})
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)
	require.Equal(t, int64(0), p.Revision)
	require.Empty(t, p.Phases)
	require.NotNil(t, p.Blockers)

	_, err = s.CreateProject(ctx, NewProject{Name: "Dupe", Slug: "website-redesign"})
	require.ErrorIs(t, err, ErrConflict)

	bySlug, err := s.GetProjectBySlug(ctx, "website-redesign")
	require.NoError(t, err)
	require.Equal(t, p.ID, bySlug.ID)

	second := newTestProject(t, s, "mobile-app")
	list, err := s.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, second.ID, list[0].ID, "newest first")

	updated, err := s.UpdateProject(ctx, p.ID, ProjectUpdate{Name: ptr("Website v2")})
	require.NoError(t, err)
	require.Equal(t, "Website v2", updated.Name)
	require.Equal(t, int64(0), updated.Revision, "name change does not bump revision")

	updated, err = s.UpdateProject(ctx, p.ID, ProjectUpdate{Blockers: &[]Blocker{{Item: "DNS", Owner: "ops", Impact: "launch"}}})
	require.NoError(t, err)
	require.Equal(t, int64(1), updated.Revision)

	_, err = s.UpdateProject(ctx, "missing", ProjectUpdate{Name: ptr("x")})
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteProject(ctx, p.ID))
	_, err = s.GetProject(ctx, p.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.DeleteProject(ctx, p.ID), ErrNotFound)
}

func TestSetPhases_Revision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestProject(t, s, "alpha")

	phases := []Phase{{
		ID: 1, Name: "Foundation", Status: "in_progress",
		Deliverables: []Deliverable{{Name: "Schema", Status: "complete", Note: "v1"}},
	}}

	rev, err := s.SetPhases(ctx, p.ID, phases, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), rev)

	got, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(phases, got.Phases); diff != "" {
		t.Errorf("phases mismatch (-want +got):\n%s", diff)
	}

	// Stale expected revision is refused and nothing changes.
	_, err = s.SetPhases(ctx, p.ID, []Phase{}, ptr(int64(0)))
	require.ErrorIs(t, err, ErrConflict)
	got, err = s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, got.Phases, 1)

	rev, err = s.SetBlockers(ctx, p.ID, []Blocker{{Item: "Access", Owner: "client", Impact: "high"}}, ptr(int64(1)))
	require.NoError(t, err)
	require.Equal(t, int64(2), rev)

	_, err = s.SetBlockers(ctx, "missing", nil, nil)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.SetBlockers(ctx, "missing", nil, ptr(int64(0)))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestProject(t, s, "alpha")
	other := newTestProject(t, s, "beta")

	created, err := s.CreateTasks(ctx, p.ID, []NewTask{
		{Title: "Design schema"},
		{Title: "Fix login", Status: TaskTodo, Priority: "high", Category: "bug", PhaseID: ptr("1"), PhaseName: ptr("Foundation")},
	})
	require.NoError(t, err)
	require.Len(t, created, 2)
	require.Equal(t, "Design schema", created[0].Title)
	require.Equal(t, DefaultTaskStatus, created[0].Status)
	require.Equal(t, DefaultTaskPriority, created[0].Priority)
	require.Equal(t, DefaultTaskCategory, created[0].Category)
	require.Nil(t, created[0].PhaseID)

	_, err = s.CreateTasks(ctx, other.ID, []NewTask{{Title: "Other project task"}})
	require.NoError(t, err)

	all, err := s.ListTasks(ctx, p.ID, TaskFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "Fix login", all[0].Title, "newest first")

	filtered, err := s.ListTasks(ctx, p.ID, TaskFilter{Status: TaskTodo, Category: "bug", PhaseID: "1"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	require.Equal(t, "Foundation", *filtered[0].PhaseName)

	none, err := s.ListTasks(ctx, p.ID, TaskFilter{Status: TaskTodo, Priority: "low"})
	require.NoError(t, err)
	require.Empty(t, none)

	updated, err := s.UpdateTask(ctx, p.ID, created[0].ID, TaskUpdate{Status: ptr(TaskInProgress), PhaseName: ptr("Build")})
	require.NoError(t, err)
	require.Equal(t, TaskInProgress, updated.Status)
	require.Equal(t, "Build", *updated.PhaseName)
	require.Equal(t, "medium", updated.Priority)

	// Project scoping: a task is invisible through another project.
	_, err = s.GetTask(ctx, other.ID, created[0].ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.UpdateTask(ctx, other.ID, created[0].ID, TaskUpdate{Status: ptr(TaskDone)})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateTasks_CanceledWritesNothing(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s, "alpha")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.CreateTasks(ctx, p.ID, []NewTask{{Title: "a"}, {Title: "b"}})
	require.Error(t, err)

	tasks, err := s.ListTasks(context.Background(), p.ID, TaskFilter{})
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestNotesAndFeedback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestProject(t, s, "alpha")

	for _, title := range []string{"first", "second", "third"} {
		_, err := s.CreateNote(ctx, p.ID, NewNote{Title: title, Content: "body"})
		require.NoError(t, err)
	}
	notes, err := s.ListNotes(ctx, p.ID, 2)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	require.Equal(t, "third", notes[0].Title)
	require.Equal(t, "general", notes[0].Category)

	_, err = s.CreateFeedback(ctx, p.ID, NewFeedback{Reason: "bug", Notes: ptr("broken button")})
	require.NoError(t, err)
	_, err = s.CreateFeedback(ctx, p.ID, NewFeedback{Reason: "idea", Status: "resolved"})
	require.NoError(t, err)

	fb, err := s.ListFeedback(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, fb, 2)
	require.Equal(t, "idea", fb[0].Reason)
	require.Equal(t, "new", fb[1].Status)
	require.Equal(t, "broken button", *fb[1].Notes)
	require.Nil(t, fb[0].Notes)
}

func TestChangelog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestProject(t, s, "alpha")

	first, err := s.AppendChangelog(ctx, NewChangelogEntry{
		ProjectID: p.ID, Type: "update", Title: "SOW phases updated (1 phases)", IsAutoGenerated: true,
	})
	require.NoError(t, err)
	require.Len(t, first.ID, 26, "ULID string length")

	_, err = s.AppendChangelog(ctx, NewChangelogEntry{
		ProjectID: p.ID, Type: "update", Title: "Task status changed: x",
		PreviousStatus: ptr("todo"), NewStatus: ptr("done"), IsAutoGenerated: true,
	})
	require.NoError(t, err)

	entries, err := s.ListChangelog(ctx, p.ID, 20)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "Task status changed: x", entries[0].Title)
	require.Equal(t, "done", *entries[0].NewStatus)
	require.True(t, entries[1].IsAutoGenerated)
	require.Equal(t, p.ID, *entries[1].ProjectID)
}

func TestActiveMemories(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestProject(t, s, "alpha")
	other := newTestProject(t, s, "beta")
	now := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	_, err := s.AddMemory(ctx, NewMemory{Content: "global fact", Category: "context"})
	require.NoError(t, err)
	_, err = s.AddMemory(ctx, NewMemory{Content: "alpha decision", Category: "decision", ProjectID: p.ID, ExpiresAt: &future})
	require.NoError(t, err)
	_, err = s.AddMemory(ctx, NewMemory{Content: "expired", ProjectID: p.ID, ExpiresAt: &past})
	require.NoError(t, err)
	_, err = s.AddMemory(ctx, NewMemory{Content: "beta only", ProjectID: other.ID})
	require.NoError(t, err)

	_, err = s.AddMemory(ctx, NewMemory{Content: "bad", Category: "gossip"})
	require.Error(t, err)

	mems, err := s.ActiveMemories(ctx, p.ID, now, MaxContextMemories)
	require.NoError(t, err)

	var got []string
	for _, m := range mems {
		got = append(got, m.Content)
	}
	require.Equal(t, []string{"alpha decision", "global fact"}, got)
	require.True(t, mems[0].Active(now))
	require.False(t, mems[0].Active(future.Add(time.Second)))

	limited, err := s.ActiveMemories(ctx, p.ID, now, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	require.NoError(t, s.DeleteMemory(ctx, mems[0].ID))
	require.True(t, errors.Is(s.DeleteMemory(ctx, mems[0].ID), ErrNotFound))
}

func TestUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestProject(t, s, "usage")

	records := []UsageRecord{
		{RequestID: "r1", ProjectID: p.ID, Model: "sonnet", InputTokens: 100, OutputTokens: 20, Iterations: 2, ToolCalls: 1, StopReason: "end_turn", Source: UsageSourceChat},
		{RequestID: "r2", ProjectID: p.ID, Model: "sonnet", InputTokens: 50, OutputTokens: 10, Iterations: 1, StopReason: "end_turn", Source: UsageSourceChat},
		{RequestID: "r3", Model: "haiku", InputTokens: 5, OutputTokens: 1, Iterations: 10, ToolCalls: 9, StopReason: "max_iterations", Source: UsageSourceCLI},
	}
	for _, r := range records {
		require.NoError(t, s.RecordUsage(ctx, r))
	}

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	total, err := s.UsageTotals(ctx, start, end)
	require.NoError(t, err)
	if diff := cmp.Diff(&UsageSummary{Requests: 3, InputTokens: 155, OutputTokens: 31, ToolCalls: 10}, total); diff != "" {
		t.Errorf("totals mismatch (-want +got):\n%s", diff)
	}

	byModel, err := s.UsageByModel(ctx, start, end)
	require.NoError(t, err)
	require.Len(t, byModel, 2)
	require.Equal(t, 2, byModel["sonnet"].Requests)
	require.Equal(t, int64(9), byModel["haiku"].ToolCalls)

	byProject, err := s.UsageByProject(ctx, start, end)
	require.NoError(t, err)
	require.Equal(t, int64(150), byProject[p.ID].InputTokens)
	require.Equal(t, 1, byProject[""].Requests)

	// The window is half-open and excludes everything after end.
	empty, err := s.UsageTotals(ctx, end, end.Add(time.Hour))
	require.NoError(t, err)
	require.Zero(t, empty.Requests)
}
