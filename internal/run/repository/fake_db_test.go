package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"runbox/internal/common/db"
	"runbox/internal/run/model"
)

// memDB is an in-memory stand-in for the runs and files tables. It understands exactly the
// statements the repositories issue.
type memDB struct {
	mu      sync.Mutex
	runs    map[string]*model.Run
	files   map[string]map[string]string
	queries []string
	execErr error
}

func newMemDB() *memDB {
	return &memDB{runs: make(map[string]*model.Run), files: make(map[string]map[string]string)}
}

func (m *memDB) selects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.queries {
		if strings.HasPrefix(q, "SELECT") {
			n++
		}
	}
	return n
}

func (m *memDB) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	query = strings.TrimSpace(query)
	m.queries = append(m.queries, query)
	if m.execErr != nil {
		return nil, m.execErr
	}
	switch {
	case strings.HasPrefix(query, "INSERT INTO runs"):
		id := args[0].(string)
		if _, ok := m.runs[id]; ok {
			return nil, fmt.Errorf("duplicate run %s", id)
		}
		m.runs[id] = &model.Run{
			ID:         id,
			ProjectID:  args[1].(string),
			Language:   model.Language(args[2].(string)),
			Entrypoint: args[3].(string),
			Status:     model.Status(args[4].(string)),
			CreatedAt:  args[5].(time.Time),
		}
		return affected(1), nil
	case strings.HasPrefix(query, "UPDATE runs SET status = ? WHERE"):
		run, ok := m.runs[args[1].(string)]
		if !ok || string(run.Status) != args[2].(string) {
			return affected(0), nil
		}
		run.Status = model.Status(args[0].(string))
		return affected(1), nil
	case strings.HasPrefix(query, "UPDATE runs"):
		run, ok := m.runs[args[7].(string)]
		if !ok || string(run.Status) != args[8].(string) {
			return affected(0), nil
		}
		finished := args[6].(time.Time)
		run.Status = model.Status(args[0].(string))
		run.Stdout = args[1].(string)
		run.Stderr = args[2].(string)
		run.WallMs = args[3].(int64)
		run.CPUMs = args[4].(int64)
		run.MemoryMB = args[5].(int64)
		run.FinishedAt = &finished
		return affected(1), nil
	case strings.HasPrefix(query, "DELETE FROM runs"):
		run, ok := m.runs[args[0].(string)]
		if !ok || string(run.Status) != args[1].(string) {
			return affected(0), nil
		}
		delete(m.runs, run.ID)
		return affected(1), nil
	}
	return nil, fmt.Errorf("unexpected exec: %s", query)
}

func (m *memDB) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, query)
	run, ok := m.runs[args[0].(string)]
	if !ok {
		return errRow{err: sql.ErrNoRows}
	}
	cp := *run
	return runRow{run: &cp}
}

func (m *memDB) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, query)
	project := m.files[args[0].(string)]
	rows := &fileRows{idx: -1}
	for path, content := range project {
		rows.paths = append(rows.paths, path)
		rows.contents = append(rows.contents, content)
	}
	return rows, nil
}

func (m *memDB) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	return fmt.Errorf("transactions not supported")
}

func (m *memDB) Ping(ctx context.Context) error { return nil }
func (m *memDB) Close() error                   { return nil }

type affected int64

func (a affected) RowsAffected() (int64, error) { return int64(a), nil }

type errRow struct{ err error }

func (r errRow) Scan(dest ...interface{}) error { return r.err }

type runRow struct{ run *model.Run }

func (r runRow) Scan(dest ...interface{}) error {
	run := r.run
	*dest[0].(*string) = run.ID
	*dest[1].(*string) = run.ProjectID
	*dest[2].(*string) = string(run.Language)
	*dest[3].(*string) = run.Entrypoint
	*dest[4].(*string) = string(run.Status)
	if run.Status.Terminal() {
		stdout, stderr := run.Stdout, run.Stderr
		wall, cpu, mem := run.WallMs, run.CPUMs, run.MemoryMB
		*dest[5].(**string) = &stdout
		*dest[6].(**string) = &stderr
		*dest[7].(**int64) = &wall
		*dest[8].(**int64) = &cpu
		*dest[9].(**int64) = &mem
	}
	*dest[10].(*time.Time) = run.CreatedAt
	*dest[11].(**time.Time) = run.FinishedAt
	return nil
}

type fileRows struct {
	paths    []string
	contents []string
	idx      int
}

func (r *fileRows) Next() bool {
	r.idx++
	return r.idx < len(r.paths)
}

func (r *fileRows) Scan(dest ...interface{}) error {
	content := r.contents[r.idx]
	*dest[0].(*string) = r.paths[r.idx]
	*dest[1].(**string) = &content
	return nil
}

func (r *fileRows) Err() error   { return nil }
func (r *fileRows) Close() error { return nil }
