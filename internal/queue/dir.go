package queue

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tranco-dispatch/internal/metrics"
)

// DirQueue stores jobs as files under root/{todo,underway,done,error}.
type DirQueue struct {
	root   string
	logger *zap.Logger
	now    func() time.Time
}

// New creates a DirQueue rooted at root. Call Init before use.
func New(root string, logger *zap.Logger) *DirQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirQueue{root: root, logger: logger.Named("queue"), now: time.Now}
}

// Root returns the queue root directory.
func (q *DirQueue) Root() string {
	return q.root
}

// Init creates the four state directories.
func (q *DirQueue) Init() error {
	for _, s := range States {
		if err := os.MkdirAll(q.dir(s), 0o750); err != nil {
			return fmt.Errorf("create %s dir: %w", s, err)
		}
	}
	return nil
}

// ListPending returns the jobs waiting in todo. See List.
func (q *DirQueue) ListPending() ([]*Job, error) {
	return q.List(StateTodo)
}

// List returns every well-formed job in state, in directory order. Malformed
// names are reported in the joined error while the valid jobs are still
// returned.
func (q *DirQueue) List(state State) ([]*Job, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("list jobs: unknown state %q", state)
	}
	entries, err := os.ReadDir(q.dir(state))
	if err != nil {
		return nil, fmt.Errorf("read %s dir: %w", state, err)
	}
	jobs := make([]*Job, 0, len(entries))
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		rank, domain, err := ParseName(entry.Name())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		jobs = append(jobs, &Job{Rank: rank, Domain: domain, name: entry.Name(), state: state})
	}
	return jobs, errors.Join(errs...)
}

// MarkUnderway moves job into underway.
func (q *DirQueue) MarkUnderway(job *Job) error {
	return q.move(job, StateUnderway)
}

// MarkDone moves job into done.
func (q *DirQueue) MarkDone(job *Job) error {
	return q.move(job, StateDone)
}

// MarkError moves job into error.
func (q *DirQueue) MarkError(job *Job) error {
	return q.move(job, StateError)
}

// move renames the job file from its current directory into to. Renaming a
// file onto itself succeeds, so repeating a transition is harmless.
func (q *DirQueue) move(job *Job, to State) error {
	from := job.state
	name := job.Name()
	if err := os.Rename(filepath.Join(q.dir(from), name), filepath.Join(q.dir(to), name)); err != nil {
		return fmt.Errorf("move %s from %s to %s: %w", name, from, to, err)
	}
	if from != to {
		job.state = to
		metrics.ObserveJobTransition(string(to))
		q.logger.Debug("job moved",
			zap.String("job", name),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
	}
	return nil
}

// Counts reports how many entries each state directory holds.
func (q *DirQueue) Counts() (map[State]int, error) {
	counts := make(map[State]int, len(States))
	for _, s := range States {
		entries, err := os.ReadDir(q.dir(s))
		if err != nil {
			return nil, fmt.Errorf("read %s dir: %w", s, err)
		}
		n := 0
		for _, entry := range entries {
			if !entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
				n++
			}
		}
		counts[s] = n
	}
	return counts, nil
}

// SeedResult summarises a Seed call.
type SeedResult struct {
	Queued   int
	Existing int
	Invalid  int
}

// Seed reads rank,domain rows from r and creates a todo entry for each,
// stopping after limit rows when limit > 0. Entries already present in any
// state are left alone. Each new file holds the seed timestamp.
func (q *DirQueue) Seed(ctx context.Context, r io.Reader, limit int) (SeedResult, error) {
	var res SeedResult
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	stamp := []byte(q.now().UTC().Format(time.RFC3339) + "\n")

	rows := 0
	for limit <= 0 || rows < limit {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("seed queue: %w", err)
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("read ranked list: %w", err)
		}
		job, ok := parseRecord(record)
		if !ok {
			res.Invalid++
			q.logger.Warn("skipping list row", zap.Strings("row", record))
			continue
		}
		rows++

		exists, err := q.exists(job.Name())
		if err != nil {
			return res, err
		}
		if exists {
			res.Existing++
			continue
		}
		if err := q.create(job.Name(), stamp); err != nil {
			return res, err
		}
		res.Queued++
	}
	q.logger.Info("queue seeded",
		zap.Int("queued", res.Queued),
		zap.Int("existing", res.Existing),
		zap.Int("invalid", res.Invalid),
	)
	return res, nil
}

func parseRecord(record []string) (*Job, bool) {
	if len(record) < 2 {
		return nil, false
	}
	rank, err := strconv.Atoi(strings.TrimSpace(record[0]))
	if err != nil || rank < 0 {
		return nil, false
	}
	domain := strings.ToLower(strings.TrimSpace(record[1]))
	if domain == "" || strings.ContainsAny(domain, `/\`) || strings.HasPrefix(domain, ".") {
		return nil, false
	}
	return NewJob(rank, domain), true
}

func (q *DirQueue) exists(name string) (bool, error) {
	for _, s := range States {
		_, err := os.Stat(filepath.Join(q.dir(s), name))
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("stat %s/%s: %w", s, name, err)
		}
	}
	return false, nil
}

func (q *DirQueue) create(name string, contents []byte) error {
	path := filepath.Join(q.dir(StateTodo), name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640) //nolint:gosec // path built from validated name
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := f.Write(contents); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	return nil
}

func (q *DirQueue) dir(s State) string {
	return filepath.Join(q.root, string(s))
}
