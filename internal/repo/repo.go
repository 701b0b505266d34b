package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"tasktrack/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// TimeLayout is fixed width so stored timestamps sort chronologically as text.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(v string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, v)
	if err != nil {
		// rows written by hand may carry plain RFC3339
		if t2, err2 := time.Parse(time.RFC3339Nano, v); err2 == nil {
			return t2.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const taskColumns = `id,title,description,status,priority,created_at,updated_at,due_date,assigned_to,author`

func scanTask(s scanner) (domain.Task, error) {
	var t domain.Task
	var description, updatedAt, dueDate, assignedTo, author sql.NullString
	var createdAt string
	if err := s.Scan(&t.ID, &t.Title, &description, &t.Status, &t.Priority, &createdAt, &updatedAt, &dueDate, &assignedTo, &author); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, ErrNotFound
		}
		return t, err
	}
	var err error
	if t.CreatedAt, err = ParseTime(createdAt); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = nullableTime(updatedAt); err != nil {
		return t, err
	}
	if t.DueDate, err = nullableTime(dueDate); err != nil {
		return t, err
	}
	t.Description = nullableString(description)
	t.AssignedTo = nullableString(assignedTo)
	t.Author = nullableString(author)
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	res := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := ParseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func stringArg(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func timeArg(v *time.Time) any {
	if v == nil {
		return nil
	}
	return FormatTime(*v)
}

// fieldArg converts a patch value to the value bound for its column.
func fieldArg(f domain.Field, v any) (any, error) {
	switch f {
	case domain.FieldTitle:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("field %s: unexpected %T", f, v)
		}
		return s, nil
	case domain.FieldStatus:
		s, ok := v.(domain.Status)
		if !ok {
			return nil, fmt.Errorf("field %s: unexpected %T", f, v)
		}
		return string(s), nil
	case domain.FieldPriority:
		p, ok := v.(domain.Priority)
		if !ok {
			return nil, fmt.Errorf("field %s: unexpected %T", f, v)
		}
		return string(p), nil
	case domain.FieldDueDate:
		t, ok := v.(*time.Time)
		if !ok {
			return nil, fmt.Errorf("field %s: unexpected %T", f, v)
		}
		return timeArg(t), nil
	case domain.FieldDescription, domain.FieldAssignedTo, domain.FieldAuthor:
		s, ok := v.(*string)
		if !ok {
			return nil, fmt.Errorf("field %s: unexpected %T", f, v)
		}
		return stringArg(s), nil
	}
	return nil, fmt.Errorf("unknown field %q", f)
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(title,description,status,priority,created_at,updated_at,due_date,assigned_to,author) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.Title, stringArg(t.Description), string(t.Status), string(t.Priority), FormatTime(t.CreatedAt), timeArg(t.UpdatedAt),
		timeArg(t.DueDate), stringArg(t.AssignedTo), stringArg(t.Author))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Task, error) {
	return getTask(ctx, tx, id)
}

func getTask(ctx context.Context, q querier, id int64) (domain.Task, error) {
	return scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// UpdateTask applies the set fields of p plus updated_at to one row.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, id int64, p domain.TaskPatch, updatedAt time.Time) error {
	var (
		fields []string
		args   []any
	)
	for _, f := range p.Fields() {
		v, _ := p.Get(f)
		arg, err := fieldArg(f, v)
		if err != nil {
			return err
		}
		fields = append(fields, string(f)+"=?")
		args = append(args, arg)
	}
	fields = append(fields, "updated_at=?")
	args = append(args, FormatTime(updatedAt), id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE tasks SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteTask(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type TaskFilters struct {
	Status   *domain.Status
	Priority *domain.Priority
	Skip     int
	Limit    int
}

// ListTasks adds one predicate per non-nil filter and nothing else.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Priority != nil {
		clauses = append(clauses, "priority=?")
		args = append(args, string(*f.Priority))
	}
	if f.Status != nil {
		clauses = append(clauses, "status=?")
		args = append(args, string(*f.Status))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY id ASC`
	query, args = paginate(query, args, f.Skip, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

func paginate(query string, args []any, skip, limit int) (string, []any) {
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		return query, append(args, limit, skip)
	}
	if skip > 0 {
		query += " LIMIT -1 OFFSET ?"
		return query, append(args, skip)
	}
	return query, args
}

// rankCase renders CASE col WHEN ? THEN ? ... ELSE n END for an enum rank table.
func rankCase(column string, ranks map[string]int) (string, []any) {
	keys := make([]string, 0, len(ranks))
	for k := range ranks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return ranks[keys[i]] < ranks[keys[j]] })
	var b strings.Builder
	args := make([]any, 0, len(keys)*2)
	b.WriteString("CASE " + column)
	for _, k := range keys {
		b.WriteString(" WHEN ? THEN ?")
		args = append(args, k, ranks[k])
	}
	fmt.Fprintf(&b, " ELSE %d END", len(keys)+1)
	return b.String(), args
}

func priorityRanks() map[string]int {
	out := map[string]int{}
	for _, p := range domain.Priorities() {
		out[string(p)] = p.Rank()
	}
	return out
}

func statusRanks() map[string]int {
	out := map[string]int{}
	for _, s := range domain.Statuses() {
		out[string(s)] = s.Rank()
	}
	return out
}

// SortedTasks returns every task ordered by key, ties broken by id.
func (r Repo) SortedTasks(ctx context.Context, key domain.SortKey) ([]domain.Task, error) {
	var order string
	var args []any
	switch key {
	case domain.SortTitle:
		order = "title ASC"
	case domain.SortCreatedAt:
		order = "created_at ASC"
	case domain.SortDueDate:
		order = "due_date IS NULL, due_date ASC"
	case domain.SortPriority:
		order, args = rankCase("priority", priorityRanks())
	case domain.SortStatus:
		order, args = rankCase("status", statusRanks())
	default:
		return nil, fmt.Errorf("unsupported sort key %q", key)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY `+order+`, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// EscapeLike escapes the LIKE wildcards and the escape character itself.
func EscapeLike(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(v)
}

type SearchFilters struct {
	Text  string
	Skip  int
	Limit int
}

// SearchTasks matches Text literally and case-insensitively against title or description.
func (r Repo) SearchTasks(ctx context.Context, f SearchFilters) ([]domain.Task, error) {
	pattern := "%" + EscapeLike(f.Text) + "%"
	query := `SELECT ` + taskColumns + ` FROM tasks
WHERE lower(title) LIKE lower(?) ESCAPE '\' OR lower(COALESCE(description,'')) LIKE lower(?) ESCAPE '\'
ORDER BY id ASC`
	args := []any{pattern, pattern}
	query, args = paginate(query, args, f.Skip, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// FieldCases maps target ids to the new value of one field.
type FieldCases struct {
	Field  domain.Field
	Values map[int64]any
}

// BulkUpdateTasks issues one UPDATE assigning each field through CASE id WHEN ...,
// keeping the stored value for ids the field does not target.
func (r Repo) BulkUpdateTasks(ctx context.Context, tx *sql.Tx, ids []int64, cases []FieldCases, updatedAt time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var (
		sets []string
		args []any
	)
	for _, fc := range cases {
		col := string(fc.Field)
		var b strings.Builder
		b.WriteString(col + "=CASE id")
		for _, id := range sortedIDs(fc.Values) {
			arg, err := fieldArg(fc.Field, fc.Values[id])
			if err != nil {
				return 0, err
			}
			b.WriteString(" WHEN ? THEN ?")
			args = append(args, id, arg)
		}
		b.WriteString(" ELSE " + col + " END")
		sets = append(sets, b.String())
	}
	sets = append(sets, "updated_at=?")
	args = append(args, FormatTime(updatedAt))
	in, inArgs := inClause(ids)
	args = append(args, inArgs...)
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id IN `+in, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) BulkDeleteTasks(ctx context.Context, tx *sql.Tx, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	in, args := inClause(ids)
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id IN `+in, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func inClause(ids []int64) (string, []any) {
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	return "(" + strings.Join(marks, ",") + ")", args
}

func sortedIDs(m map[int64]any) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type EventFilters struct {
	TaskID *int64
	Limit  int
}

// ListEvents returns the latest events first.
func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	var clauses []string
	var args []any
	if f.TaskID != nil {
		clauses = append(clauses, "task_id=?")
		args = append(args, *f.TaskID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,ts,type,task_id,COALESCE(request_id,''),payload_json FROM task_events ` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsAfter returns up to limit events with id > afterID, oldest first.
func (r Repo) EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,task_id,COALESCE(request_id,''),payload_json FROM task_events WHERE id>? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestEventID returns the highest event id, 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM task_events`).Scan(&id)
	return id, err
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		var ts string
		var taskID sql.NullInt64
		if err := rows.Scan(&e.ID, &ts, &e.Type, &taskID, &e.RequestID, &e.Payload); err != nil {
			return nil, err
		}
		var err error
		if e.TS, err = ParseTime(ts); err != nil {
			return nil, err
		}
		if taskID.Valid {
			id := taskID.Int64
			e.TaskID = &id
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
