package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"tasktrack/internal/config"
	"tasktrack/internal/domain"
	"tasktrack/internal/events"
	"tasktrack/internal/repo"
)

var (
	// ErrInvalidArgument marks requests the caller must correct.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrEmptyResult marks well-formed requests that matched no data.
	ErrEmptyResult = errors.New("empty result")
)

// Cache is an optional point-lookup cache. Implementations must tolerate
// concurrent use.
type Cache interface {
	GetTask(ctx context.Context, id int64) (domain.Task, bool, error)
	SetTask(ctx context.Context, t domain.Task) error
	DeleteTasks(ctx context.Context, ids ...int64) error
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Cache  Cache
	Log    *slog.Logger
	Now    func() time.Time

	flight *singleflight.Group
	gens   *generations
}

// generations counts committed writes per id, striped so memory stays fixed.
// Two ids sharing a stripe only cost an extra cache miss.
type generations [64]atomic.Uint64

func (g *generations) load(id int64) uint64 {
	if g == nil {
		return 0
	}
	return g[uint64(id)%uint64(len(g))].Load()
}

func (g *generations) bump(ids ...int64) {
	if g == nil {
		return
	}
	for _, id := range ids {
		g[uint64(id)%uint64(len(g))].Add(1)
	}
}

func flightKey(id int64) string { return strconv.FormatInt(id, 10) }

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Log:    slog.Default(),
		Now:    time.Now,
		flight: &singleflight.Group{},
		gens:   &generations{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, typ string, taskID *int64, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	if err := w.Append(ctx, tx, typ, taskID, payload); err != nil {
		return fmt.Errorf("append %s event: %w", typ, err)
	}
	return nil
}

// Create inserts a task and returns it with its generated id and created_at.
func (e Engine) Create(ctx context.Context, nt domain.NewTask) (domain.Task, error) {
	if nt.Title == "" {
		return domain.Task{}, fmt.Errorf("%w: title is required", ErrInvalidArgument)
	}
	if nt.Status == "" {
		nt.Status = domain.StatusPending
	}
	if nt.Priority == "" {
		nt.Priority = domain.PriorityMedium
	}
	if !nt.Status.Valid() {
		return domain.Task{}, fmt.Errorf("%w: status %q", ErrInvalidArgument, nt.Status)
	}
	if !nt.Priority.Valid() {
		return domain.Task{}, fmt.Errorf("%w: priority %q", ErrInvalidArgument, nt.Priority)
	}
	t := domain.Task{
		Title:       nt.Title,
		Description: nt.Description,
		Status:      nt.Status,
		Priority:    nt.Priority,
		CreatedAt:   e.now(),
		DueDate:     nt.DueDate,
		AssignedTo:  nt.AssignedTo,
		Author:      nt.Author,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertTask(ctx, tx, t)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.TaskCreated, &id, events.EventPayload{
		"title": t.Title, "status": t.Status, "priority": t.Priority,
	}); err != nil {
		return domain.Task{}, err
	}
	created, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.log().Info("task created", "id", id, "priority", created.Priority, "status", created.Status)
	return created, nil
}

// Get returns the task and true, or false when no task has the id.
func (e Engine) Get(ctx context.Context, id int64) (domain.Task, bool, error) {
	if t, ok := e.cachedTask(ctx, id); ok {
		return t, true, nil
	}
	load := func() (any, error) {
		gen := e.gens.load(id)
		t, err := e.Repo.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		e.storeTask(ctx, t)
		// A write that committed after the read may have been overwritten by
		// the store above.
		if e.gens.load(id) != gen {
			e.dropTasks(ctx, id)
		}
		return t, nil
	}
	var (
		v   any
		err error
	)
	if e.flight != nil {
		v, err, _ = e.flight.Do(flightKey(id), load)
	} else {
		v, err = load()
	}
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, err
	}
	return v.(domain.Task), true, nil
}

type ListOptions struct {
	Skip     int
	Limit    int
	Status   *domain.Status
	Priority *domain.Priority
}

// List pages through tasks, filtering only on the non-nil filters.
func (e Engine) List(ctx context.Context, opts ListOptions) ([]domain.Task, error) {
	if err := checkPage(opts.Skip, opts.Limit); err != nil {
		return nil, err
	}
	if opts.Status != nil && !opts.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidArgument, *opts.Status)
	}
	if opts.Priority != nil && !opts.Priority.Valid() {
		return nil, fmt.Errorf("%w: priority %q", ErrInvalidArgument, *opts.Priority)
	}
	return e.Repo.ListTasks(ctx, repo.TaskFilters{
		Status:   opts.Status,
		Priority: opts.Priority,
		Skip:     opts.Skip,
		Limit:    opts.Limit,
	})
}

func checkPage(skip, limit int) error {
	if skip < 0 {
		return fmt.Errorf("%w: skip must be >= 0", ErrInvalidArgument)
	}
	if limit < 1 {
		return fmt.Errorf("%w: limit must be >= 1", ErrInvalidArgument)
	}
	return nil
}

// Update applies the fields set in p and refreshes updated_at. It returns
// false when no task has the id.
func (e Engine) Update(ctx context.Context, id int64, p domain.TaskPatch) (domain.Task, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, false, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateTask(ctx, tx, id, p, e.now()); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, false, nil
		}
		return domain.Task{}, false, fmt.Errorf("update task %d: %w", id, err)
	}
	updated, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, false, err
	}
	if err := e.appendEvent(ctx, tx, events.TaskUpdated, &id, events.EventPayload{"fields": p.Fields()}); err != nil {
		return domain.Task{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, false, err
	}
	e.invalidate(ctx, id)
	e.log().Info("task updated", "id", id, "fields", p.Fields())
	return updated, true, nil
}

// Delete removes the task and reports whether it existed.
func (e Engine) Delete(ctx context.Context, id int64) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteTask(ctx, tx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("delete task %d: %w", id, err)
	}
	if err := e.appendEvent(ctx, tx, events.TaskDeleted, &id, nil); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	e.invalidate(ctx, id)
	e.log().Info("task deleted", "id", id)
	return true, nil
}

// Sort returns every task ordered by field. Priority and status order by
// rank, not alphabetically; tasks without a due date come last.
func (e Engine) Sort(ctx context.Context, field string) ([]domain.Task, error) {
	key, ok := domain.ParseSortKey(field)
	if !ok {
		return nil, fmt.Errorf("%w: cannot sort by %q", ErrInvalidArgument, field)
	}
	tasks, err := e.Repo.SortedTasks(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: no tasks to sort", ErrEmptyResult)
	}
	return tasks, nil
}

type SearchOptions struct {
	Text  string
	Skip  int
	Limit int
}

// Search matches text literally and case-insensitively in title or description.
func (e Engine) Search(ctx context.Context, opts SearchOptions) ([]domain.Task, error) {
	if opts.Text == "" {
		return nil, fmt.Errorf("%w: search text is required", ErrInvalidArgument)
	}
	if err := checkPage(opts.Skip, opts.Limit); err != nil {
		return nil, err
	}
	tasks, err := e.Repo.SearchTasks(ctx, repo.SearchFilters{Text: opts.Text, Skip: opts.Skip, Limit: opts.Limit})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: no tasks match %q", ErrEmptyResult, opts.Text)
	}
	return tasks, nil
}

// BulkUpdate applies every item in one statement and returns the number of
// rows touched. When two items target the same id the later value wins.
func (e Engine) BulkUpdate(ctx context.Context, items []domain.BulkPatch) (int64, error) {
	if len(items) == 0 {
		return 0, fmt.Errorf("%w: no updates given", ErrInvalidArgument)
	}
	var ids []int64
	seen := map[int64]bool{}
	byField := map[domain.Field]map[int64]any{}
	var order []domain.Field
	for i, item := range items {
		if item.ID == nil {
			return 0, fmt.Errorf("%w: item %d has no id", ErrInvalidArgument, i)
		}
		id := *item.ID
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
		for _, f := range item.Patch.Fields() {
			v, _ := item.Patch.Get(f)
			if byField[f] == nil {
				byField[f] = map[int64]any{}
				order = append(order, f)
			}
			byField[f][id] = v
		}
	}
	cases := make([]repo.FieldCases, 0, len(order))
	for _, f := range order {
		cases = append(cases, repo.FieldCases{Field: f, Values: byField[f]})
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	affected, err := e.Repo.BulkUpdateTasks(ctx, tx, ids, cases, e.now())
	if err != nil {
		return 0, fmt.Errorf("bulk update: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.TasksBulkUpdate, nil, events.EventPayload{
		"ids": ids, "fields": order, "affected": affected,
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	e.invalidate(ctx, ids...)
	e.log().Info("tasks bulk updated", "count", affected, "requested", len(ids))
	return affected, nil
}

// BulkDelete removes every listed task in one statement. Duplicate ids count once.
func (e Engine) BulkDelete(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: no ids given", ErrInvalidArgument)
	}
	unique := make([]int64, 0, len(ids))
	seen := map[int64]bool{}
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	affected, err := e.Repo.BulkDeleteTasks(ctx, tx, unique)
	if err != nil {
		return 0, fmt.Errorf("bulk delete: %w", err)
	}
	if affected == 0 {
		return 0, fmt.Errorf("%w: none of the ids exist", ErrEmptyResult)
	}
	if err := e.appendEvent(ctx, tx, events.TasksBulkDelete, nil, events.EventPayload{
		"ids": unique, "affected": affected,
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	e.invalidate(ctx, unique...)
	e.log().Info("tasks bulk deleted", "count", affected, "requested", len(unique))
	return affected, nil
}

// ListEvents lists the latest change events, optionally for one task.
func (e Engine) ListEvents(ctx context.Context, limit int, taskID *int64) ([]domain.Event, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: limit must be >= 1", ErrInvalidArgument)
	}
	return e.Repo.ListEvents(ctx, repo.EventFilters{TaskID: taskID, Limit: limit})
}

func (e Engine) cachedTask(ctx context.Context, id int64) (domain.Task, bool) {
	if e.Cache == nil {
		return domain.Task{}, false
	}
	t, ok, err := e.Cache.GetTask(ctx, id)
	if err != nil {
		e.log().Warn("cache read failed", "id", id, "err", err)
		return domain.Task{}, false
	}
	return t, ok
}

func (e Engine) storeTask(ctx context.Context, t domain.Task) {
	if e.Cache == nil {
		return
	}
	if err := e.Cache.SetTask(ctx, t); err != nil {
		e.log().Warn("cache write failed", "id", t.ID, "err", err)
	}
}

// invalidate runs after commit. The generation is bumped before the delete so
// an in-flight Get drops whatever it stores.
func (e Engine) invalidate(ctx context.Context, ids ...int64) {
	if len(ids) == 0 {
		return
	}
	e.gens.bump(ids...)
	e.forget(ids...)
	e.dropTasks(ctx, ids...)
}

func (e Engine) forget(ids ...int64) {
	if e.flight == nil {
		return
	}
	for _, id := range ids {
		e.flight.Forget(flightKey(id))
	}
}

func (e Engine) dropTasks(ctx context.Context, ids ...int64) {
	if e.Cache == nil {
		return
	}
	if err := e.Cache.DeleteTasks(ctx, ids...); err != nil {
		e.log().Warn("cache invalidation failed", "ids", ids, "err", err)
	}
}
