package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasktrack/internal/config"
	"tasktrack/internal/db"
	"tasktrack/internal/domain"
	"tasktrack/internal/engine"
	"tasktrack/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *clock
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err, "migrate")
	eng := engine.New(conn, config.Default())
	c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng.Now = c.Now
	return testEnv{Engine: eng, Ctx: context.Background(), clock: c}
}

func (env testEnv) create(t *testing.T, title string, p domain.Priority, s domain.Status) domain.Task {
	t.Helper()
	task, err := env.Engine.Create(env.Ctx, domain.NewTask{Title: title, Priority: p, Status: s})
	require.NoError(t, err)
	return task
}

func strPtr(v string) *string { return &v }

func ids(tasks []domain.Task) []int64 {
	out := make([]int64, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestCreateGetRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	due := time.Date(2030, 6, 1, 9, 30, 0, 0, time.UTC)
	created, err := env.Engine.Create(env.Ctx, domain.NewTask{
		Title:       "Write report",
		Description: strPtr("quarterly numbers"),
		Priority:    domain.PriorityHigh,
		DueDate:     &due,
		AssignedTo:  strPtr("sam"),
		Author:      strPtr("alex"),
	})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)

	got, ok, err := env.Engine.Get(env.Ctx, created.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Write report", got.Title)
	assert.Equal(t, "quarterly numbers", *got.Description)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, domain.PriorityHigh, got.Priority)
	assert.True(t, due.Equal(*got.DueDate))
	assert.Equal(t, "sam", *got.AssignedTo)
	assert.Equal(t, "alex", *got.Author)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Nil(t, got.UpdatedAt)
}

func TestGetMissingIsAbsence(t *testing.T) {
	env := newTestEnv(t)
	_, ok, err := env.Engine.Get(env.Ctx, 999)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdatePreservesUnsetFields(t *testing.T) {
	env := newTestEnv(t)
	due := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	created, err := env.Engine.Create(env.Ctx, domain.NewTask{Title: "keep me", Priority: domain.PriorityLow, DueDate: &due})
	require.NoError(t, err)

	env.clock.Advance(time.Minute)
	var p domain.TaskPatch
	p.SetStatus(domain.StatusCompleted)
	updated, ok, err := env.Engine.Update(env.Ctx, created.ID, p)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, domain.StatusCompleted, updated.Status)
	assert.Equal(t, "keep me", updated.Title)
	assert.Equal(t, domain.PriorityLow, updated.Priority)
	assert.True(t, due.Equal(*updated.DueDate))
	require.NotNil(t, updated.UpdatedAt)
	assert.False(t, updated.UpdatedAt.Before(updated.CreatedAt))
	assert.True(t, created.CreatedAt.Equal(updated.CreatedAt))
}

func TestUpdateClearsNullableField(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.Engine.Create(env.Ctx, domain.NewTask{Title: "x", AssignedTo: strPtr("kim")})
	require.NoError(t, err)
	var p domain.TaskPatch
	p.SetAssignedTo(nil)
	updated, ok, err := env.Engine.Update(env.Ctx, created.ID, p)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, updated.AssignedTo)
}

func TestUpdateMissingIsAbsence(t *testing.T) {
	env := newTestEnv(t)
	var p domain.TaskPatch
	p.SetTitle("nope")
	_, ok, err := env.Engine.Update(env.Ctx, 42, p)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "gone soon", "", "")

	deleted, err := env.Engine.Delete(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, ok, err := env.Engine.Get(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err = env.Engine.Delete(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestListFilterExclusivity(t *testing.T) {
	env := newTestEnv(t)
	lowPending := env.create(t, "a", domain.PriorityLow, domain.StatusPending)
	highPending := env.create(t, "b", domain.PriorityHigh, domain.StatusPending)
	lowDone := env.create(t, "c", domain.PriorityLow, domain.StatusCompleted)
	highDone := env.create(t, "d", domain.PriorityHigh, domain.StatusCompleted)

	high := domain.PriorityHigh
	pending := domain.StatusPending

	got, err := env.Engine.List(env.Ctx, engine.ListOptions{Limit: 10, Priority: &high})
	require.NoError(t, err)
	assert.Equal(t, []int64{highPending.ID, highDone.ID}, ids(got))

	got, err = env.Engine.List(env.Ctx, engine.ListOptions{Limit: 10, Status: &pending})
	require.NoError(t, err)
	assert.Equal(t, []int64{lowPending.ID, highPending.ID}, ids(got))

	got, err = env.Engine.List(env.Ctx, engine.ListOptions{Limit: 10, Priority: &high, Status: &pending})
	require.NoError(t, err)
	assert.Equal(t, []int64{highPending.ID}, ids(got))

	got, err = env.Engine.List(env.Ctx, engine.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []int64{lowPending.ID, highPending.ID, lowDone.ID, highDone.ID}, ids(got))
}

func TestListPagination(t *testing.T) {
	env := newTestEnv(t)
	var all []int64
	for _, title := range []string{"one", "two", "three", "four", "five"} {
		all = append(all, env.create(t, title, "", "").ID)
	}
	got, err := env.Engine.List(env.Ctx, engine.ListOptions{Skip: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, all[1:3], ids(got))

	_, err = env.Engine.List(env.Ctx, engine.ListOptions{Skip: 0, Limit: 0})
	assert.ErrorIs(t, err, engine.ErrInvalidArgument)
	_, err = env.Engine.List(env.Ctx, engine.ListOptions{Skip: -1, Limit: 5})
	assert.ErrorIs(t, err, engine.ErrInvalidArgument)
}

func TestSortByPriorityRank(t *testing.T) {
	env := newTestEnv(t)
	for _, p := range []domain.Priority{domain.PriorityLow, domain.PriorityUrgent, domain.PriorityMedium, domain.PriorityHigh} {
		env.create(t, string(p), p, "")
	}
	got, err := env.Engine.Sort(env.Ctx, "priority")
	require.NoError(t, err)
	var order []domain.Priority
	for _, task := range got {
		order = append(order, task.Priority)
	}
	assert.Equal(t, []domain.Priority{domain.PriorityUrgent, domain.PriorityHigh, domain.PriorityMedium, domain.PriorityLow}, order)
}

func TestSortByStatusRank(t *testing.T) {
	env := newTestEnv(t)
	for _, s := range []domain.Status{domain.StatusCancelled, domain.StatusPending, domain.StatusCompleted, domain.StatusInProgress} {
		env.create(t, string(s), "", s)
	}
	got, err := env.Engine.Sort(env.Ctx, "STATUS")
	require.NoError(t, err)
	var order []domain.Status
	for _, task := range got {
		order = append(order, task.Status)
	}
	assert.Equal(t, []domain.Status{domain.StatusPending, domain.StatusInProgress, domain.StatusCompleted, domain.StatusCancelled}, order)
}

func TestSortByDueDateNullsLast(t *testing.T) {
	env := newTestEnv(t)
	later := time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC)
	sooner := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	none := env.create(t, "none", "", "")
	l, err := env.Engine.Create(env.Ctx, domain.NewTask{Title: "later", DueDate: &later})
	require.NoError(t, err)
	s, err := env.Engine.Create(env.Ctx, domain.NewTask{Title: "sooner", DueDate: &sooner})
	require.NoError(t, err)

	got, err := env.Engine.Sort(env.Ctx, "due_date")
	require.NoError(t, err)
	assert.Equal(t, []int64{s.ID, l.ID, none.ID}, ids(got))
}

func TestSortByTitleAndCreatedAt(t *testing.T) {
	env := newTestEnv(t)
	b := env.create(t, "banana", "", "")
	env.clock.Advance(time.Second)
	a := env.create(t, "apple", "", "")

	got, err := env.Engine.Sort(env.Ctx, "title")
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID, b.ID}, ids(got))

	got, err = env.Engine.Sort(env.Ctx, "created_at")
	require.NoError(t, err)
	assert.Equal(t, []int64{b.ID, a.ID}, ids(got))
}

func TestSortErrors(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Sort(env.Ctx, "bogus")
	assert.ErrorIs(t, err, engine.ErrInvalidArgument)
	assert.False(t, errors.Is(err, engine.ErrEmptyResult))

	_, err = env.Engine.Sort(env.Ctx, "title")
	assert.ErrorIs(t, err, engine.ErrEmptyResult)
}

func TestSearchIsLiteralAndCaseInsensitive(t *testing.T) {
	env := newTestEnv(t)
	sale := env.create(t, "50% Off_Sale", "", "")
	env.create(t, "500 Offxsale", "", "")
	described, err := env.Engine.Create(env.Ctx, domain.NewTask{Title: "plain", Description: strPtr(`path C:\tmp\50% off_sale`)})
	require.NoError(t, err)

	got, err := env.Engine.Search(env.Ctx, engine.SearchOptions{Text: "50% off_sale", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []int64{sale.ID, described.ID}, ids(got))

	got, err = env.Engine.Search(env.Ctx, engine.SearchOptions{Text: `c:\tmp`, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []int64{described.ID}, ids(got))
}

func TestSearchPaginationIsDisjoint(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		env.create(t, "match me", "", "")
	}
	env.create(t, "other", "", "")

	first, err := env.Engine.Search(env.Ctx, engine.SearchOptions{Text: "MATCH", Skip: 0, Limit: 2})
	require.NoError(t, err)
	second, err := env.Engine.Search(env.Ctx, engine.SearchOptions{Text: "MATCH", Skip: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Len(t, second, 2)
	for _, id := range ids(first) {
		assert.NotContains(t, ids(second), id)
	}
}

func TestSearchErrors(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "something", "", "")
	_, err := env.Engine.Search(env.Ctx, engine.SearchOptions{Text: "", Limit: 10})
	assert.ErrorIs(t, err, engine.ErrInvalidArgument)

	_, err = env.Engine.Search(env.Ctx, engine.SearchOptions{Text: "nothing like it", Limit: 10})
	assert.ErrorIs(t, err, engine.ErrEmptyResult)

	_, err = env.Engine.Search(env.Ctx, engine.SearchOptions{Text: "%", Limit: 10})
	assert.ErrorIs(t, err, engine.ErrEmptyResult)
}

func bulk(id int64, fn func(p *domain.TaskPatch)) domain.BulkPatch {
	bp := domain.BulkPatch{ID: &id}
	fn(&bp.Patch)
	return bp
}

func TestBulkUpdateAtomicBatch(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "a", domain.PriorityLow, "")
	b := env.create(t, "b", domain.PriorityLow, "")
	c := env.create(t, "c", domain.PriorityLow, "")
	untouched := env.create(t, "untouched", domain.PriorityLow, "")

	env.clock.Advance(time.Hour)
	batchTime := env.clock.Now()
	affected, err := env.Engine.BulkUpdate(env.Ctx, []domain.BulkPatch{
		bulk(a.ID, func(p *domain.TaskPatch) { p.SetStatus(domain.StatusCompleted) }),
		bulk(b.ID, func(p *domain.TaskPatch) { p.SetPriority(domain.PriorityUrgent) }),
		bulk(c.ID, func(p *domain.TaskPatch) {
			p.SetStatus(domain.StatusInProgress)
			p.SetPriority(domain.PriorityHigh)
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), affected)

	get := func(id int64) domain.Task {
		task, ok, err := env.Engine.Get(env.Ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		return task
	}
	ga, gb, gc, gu := get(a.ID), get(b.ID), get(c.ID), get(untouched.ID)

	assert.Equal(t, domain.StatusCompleted, ga.Status)
	assert.Equal(t, domain.PriorityLow, ga.Priority)
	assert.Equal(t, domain.StatusPending, gb.Status)
	assert.Equal(t, domain.PriorityUrgent, gb.Priority)
	assert.Equal(t, domain.StatusInProgress, gc.Status)
	assert.Equal(t, domain.PriorityHigh, gc.Priority)
	for _, task := range []domain.Task{ga, gb, gc} {
		require.NotNil(t, task.UpdatedAt)
		assert.True(t, batchTime.Equal(*task.UpdatedAt))
	}
	assert.Equal(t, domain.PriorityLow, gu.Priority)
	assert.Nil(t, gu.UpdatedAt)
}

func TestBulkUpdateLaterItemWins(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "a", "", "")
	affected, err := env.Engine.BulkUpdate(env.Ctx, []domain.BulkPatch{
		bulk(a.ID, func(p *domain.TaskPatch) { p.SetTitle("first") }),
		bulk(a.ID, func(p *domain.TaskPatch) { p.SetTitle("second") }),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)
	got, _, err := env.Engine.Get(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Title)
}

func TestBulkUpdateRejections(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "a", "", "")

	_, err := env.Engine.BulkUpdate(env.Ctx, nil)
	assert.ErrorIs(t, err, engine.ErrInvalidArgument)

	var noID domain.BulkPatch
	noID.Patch.SetTitle("orphan")
	_, err = env.Engine.BulkUpdate(env.Ctx, []domain.BulkPatch{
		bulk(a.ID, func(p *domain.TaskPatch) { p.SetTitle("changed") }),
		noID,
	})
	assert.ErrorIs(t, err, engine.ErrInvalidArgument)

	got, _, err := env.Engine.Get(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Title)
}

func TestBulkDeleteCount(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "a", "", "")
	b := env.create(t, "b", "", "")
	keep := env.create(t, "keep", "", "")

	n, err := env.Engine.BulkDelete(env.Ctx, []int64{a.ID, b.ID, 9999, a.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	remaining, err := env.Engine.List(env.Ctx, engine.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []int64{keep.ID}, ids(remaining))

	_, err = env.Engine.BulkDelete(env.Ctx, []int64{a.ID, 9999})
	assert.ErrorIs(t, err, engine.ErrEmptyResult)
	_, err = env.Engine.BulkDelete(env.Ctx, nil)
	assert.ErrorIs(t, err, engine.ErrInvalidArgument)
}

func TestMutationsAppendEvents(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "logged", "", "")
	var p domain.TaskPatch
	p.SetTitle("logged again")
	_, _, err := env.Engine.Update(env.Ctx, task.ID, p)
	require.NoError(t, err)
	_, err = env.Engine.Delete(env.Ctx, task.ID)
	require.NoError(t, err)

	evts, err := env.Engine.ListEvents(env.Ctx, 10, &task.ID)
	require.NoError(t, err)
	require.Len(t, evts, 3)
	assert.Equal(t, "task.deleted", evts[0].Type)
	assert.Equal(t, "task.updated", evts[1].Type)
	assert.Equal(t, "task.created", evts[2].Type)
}

type fakeCache struct {
	mu      sync.Mutex
	tasks   map[int64]domain.Task
	deleted []int64
	gets    int
}

func newFakeCache() *fakeCache { return &fakeCache{tasks: map[int64]domain.Task{}} }

func (c *fakeCache) GetTask(_ context.Context, id int64) (domain.Task, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	t, ok := c.tasks[id]
	return t, ok, nil
}

func (c *fakeCache) SetTask(_ context.Context, t domain.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks[t.ID] = t
	return nil
}

func (c *fakeCache) DeleteTasks(_ context.Context, ids ...int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.tasks, id)
		c.deleted = append(c.deleted, id)
	}
	return nil
}

type brokenCache struct{}

func (brokenCache) GetTask(context.Context, int64) (domain.Task, bool, error) {
	return domain.Task{}, false, errors.New("connection refused")
}
func (brokenCache) SetTask(context.Context, domain.Task) error { return errors.New("connection refused") }
func (brokenCache) DeleteTasks(context.Context, ...int64) error {
	return errors.New("connection refused")
}

func TestCacheReadThroughAndInvalidation(t *testing.T) {
	env := newTestEnv(t)
	cache := newFakeCache()
	env.Engine.Cache = cache

	task := env.create(t, "cached", "", "")
	_, ok, err := env.Engine.Get(env.Ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, cache.tasks, task.ID)

	var p domain.TaskPatch
	p.SetTitle("fresh")
	_, _, err = env.Engine.Update(env.Ctx, task.ID, p)
	require.NoError(t, err)
	assert.NotContains(t, cache.tasks, task.ID)

	got, _, err := env.Engine.Get(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.Title)

	_, err = env.Engine.BulkDelete(env.Ctx, []int64{task.ID})
	require.NoError(t, err)
	assert.NotContains(t, cache.tasks, task.ID)
	assert.Contains(t, cache.deleted, task.ID)
}

func TestCacheFailuresDoNotFailOperations(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Cache = brokenCache{}
	task := env.create(t, "resilient", "", "")

	got, ok, err := env.Engine.Get(env.Ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "resilient", got.Title)

	deleted, err := env.Engine.Delete(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestConcurrentUpdatesLastWriterWins(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "contended", "", "")

	const n = 40
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var p domain.TaskPatch
			p.SetTitle(fmt.Sprintf("title-%d", i))
			_, _, errs[i] = env.Engine.Update(env.Ctx, task.ID, p)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "update %d", i)
	}

	got, ok, err := env.Engine.Get(env.Ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Regexp(t, `^title-\d+$`, got.Title)

	evts, err := env.Engine.ListEvents(env.Ctx, n+10, &task.ID)
	require.NoError(t, err)
	assert.Len(t, evts, n+1)
}

// racingCache commits an update between the database read and the cache
// store of the first Get.
type racingCache struct {
	*fakeCache
	once   sync.Once
	update func()
}

func (c *racingCache) SetTask(ctx context.Context, t domain.Task) error {
	c.once.Do(c.update)
	return c.fakeCache.SetTask(ctx, t)
}

func TestCacheDropsRowLoadedBeforeUpdate(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "old", "", "")
	cache := &racingCache{fakeCache: newFakeCache()}
	cache.update = func() {
		var p domain.TaskPatch
		p.SetTitle("new")
		_, _, err := env.Engine.Update(env.Ctx, task.ID, p)
		assert.NoError(t, err)
	}
	env.Engine.Cache = cache

	got, ok, err := env.Engine.Get(env.Ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "old", got.Title)
	assert.NotContains(t, cache.tasks, task.ID)

	got, ok, err = env.Engine.Get(env.Ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", got.Title)
	assert.Equal(t, "new", cache.tasks[task.ID].Title)
}
