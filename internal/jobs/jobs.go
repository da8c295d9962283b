// Package jobs keeps the in-memory record of batch runs: their progress,
// human-readable logs and exported result files.
package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"site-proximity/internal/batch"
	"site-proximity/internal/excel"
	"site-proximity/internal/models"
)

type JobStatus string

const (
	StatusRunning JobStatus = "running"
	StatusDone    JobStatus = "done"
	StatusStopped JobStatus = "stopped"
	StatusError   JobStatus = "error"
)

// DownloadPrefix is the URL path exported files are served under.
const DownloadPrefix = "/download/"

const resultSheet = "Results"

type JobResult struct {
	Rows        int    `json:"rows"`
	Succeeded   int    `json:"succeeded"`
	Sheet       string `json:"sheet"`
	Output      string `json:"-"`
	Filename    string `json:"filename"`
	DownloadURL string `json:"downloadUrl"`
}

type Job struct {
	ID        string
	Source    string
	Status    JobStatus
	Logs      []string
	Progress  int // 0-100
	Processed int
	Total     int
	Result    *JobResult
	Error     string
	CancelFn  func()
	Mutex     sync.RWMutex
	CreatedAt time.Time
}

// Snapshot is a consistent copy of a job for JSON responses.
type Snapshot struct {
	ID        string     `json:"id"`
	Source    string     `json:"source,omitempty"`
	Status    JobStatus  `json:"status"`
	Progress  int        `json:"progress"`
	Processed int        `json:"processed"`
	Total     int        `json:"total"`
	Logs      []string   `json:"logs"`
	Result    *JobResult `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

func (j *Job) Log(msg string) {
	j.Mutex.Lock()
	defer j.Mutex.Unlock()
	j.logLocked(msg)
}

func (j *Job) logLocked(msg string) {
	ts := time.Now().Format("15:04:05")
	j.Logs = append(j.Logs, fmt.Sprintf("[%s] %s", ts, msg))
}

func (j *Job) SetProgress(current, total int, msg string) {
	j.Mutex.Lock()
	defer j.Mutex.Unlock()
	j.Processed, j.Total = current, total
	if total > 0 {
		j.Progress = int(float64(current) / float64(total) * 100)
	}
	if msg != "" {
		j.logLocked(msg)
	}
}

func (j *Job) Fail(msg string) {
	j.Mutex.Lock()
	defer j.Mutex.Unlock()
	j.Status = StatusError
	j.Error = msg
	j.Logs = append(j.Logs, "[ERROR] "+msg)
}

// Finish records the terminal state of a batch. A stopped batch keeps its
// partial result.
func (j *Job) Finish(stopped bool, processed, total int) {
	j.Mutex.Lock()
	defer j.Mutex.Unlock()
	if j.Status == StatusError {
		return
	}
	j.Processed, j.Total = processed, total
	if stopped {
		j.Status = StatusStopped
		j.logLocked(fmt.Sprintf("Stopped early after %d of %d rows.", processed, total))
		return
	}
	j.Status = StatusDone
	j.Progress = 100
	j.logLocked(fmt.Sprintf("Completed %d rows.", total))
}

func (j *Job) SetCancel(fn func()) {
	j.Mutex.Lock()
	defer j.Mutex.Unlock()
	j.CancelFn = fn
}

// Cancel asks a running batch to stop admitting rows.
func (j *Job) Cancel() bool {
	j.Mutex.Lock()
	fn := j.CancelFn
	running := j.Status == StatusRunning
	if running && fn != nil {
		j.logLocked("Cancellation requested.")
	}
	j.Mutex.Unlock()
	if running && fn != nil {
		fn()
		return true
	}
	return false
}

func (j *Job) Snapshot() Snapshot {
	j.Mutex.RLock()
	defer j.Mutex.RUnlock()
	logs := make([]string, len(j.Logs))
	copy(logs, j.Logs)
	var res *JobResult
	if j.Result != nil {
		r := *j.Result
		res = &r
	}
	return Snapshot{
		ID:        j.ID,
		Source:    j.Source,
		Status:    j.Status,
		Progress:  j.Progress,
		Processed: j.Processed,
		Total:     j.Total,
		Logs:      logs,
		Result:    res,
		Error:     j.Error,
		CreatedAt: j.CreatedAt,
	}
}

// Store holds jobs and the directory their result files are written to.
type Store struct {
	dir  string
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

func NewStore(outputDir string) (*Store, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "create output dir %s", outputDir)
	}
	return &Store{dir: outputDir, jobs: make(map[string]*Job), now: time.Now}, nil
}

func (s *Store) Dir() string { return s.dir }

// New registers a running job.
func (s *Store) New(source string) *Job {
	j := &Job{
		ID:        uuid.New().String(),
		Source:    source,
		Status:    StatusRunning,
		Logs:      []string{},
		CreatedAt: s.now(),
	}
	s.mu.Lock()
	s.jobs[j.ID] = j
	s.mu.Unlock()
	return j
}

func (s *Store) Get(id string) *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[id]
}

// Path maps a download name onto a file in the output directory. Names that
// would escape the directory, or that do not exist, are rejected.
func (s *Store) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", eris.Wrapf(os.ErrNotExist, "invalid file name %q", name)
	}
	p := filepath.Join(s.dir, name)
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return "", eris.Wrapf(os.ErrNotExist, "%s", name)
	}
	return p, nil
}

// Prune forgets finished jobs older than maxAge and deletes their files.
func (s *Store) Prune(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		j.Mutex.RLock()
		old := j.CreatedAt.Before(cutoff) && j.Status != StatusRunning
		var file string
		if j.Result != nil {
			file = j.Result.Output
		}
		j.Mutex.RUnlock()
		if !old {
			continue
		}
		if file != "" {
			_ = os.Remove(file)
		}
		delete(s.jobs, id)
		n++
	}
	return n
}

// Exporter writes a job's geocoded rows to <dir>/<job id>_results.xlsx.
type Exporter struct {
	store *Store
	job   *Job
}

var _ batch.Exporter = (*Exporter)(nil)

func (s *Store) Exporter(j *Job) *Exporter {
	return &Exporter{store: s, job: j}
}

func (e *Exporter) Export(_ context.Context, rows []models.ResolvedRow) (string, error) {
	records := make([]models.Record, len(rows))
	succeeded := 0
	for i, r := range rows {
		records[i] = r.Flatten()
		if r.Status == models.StatusSuccess {
			succeeded++
		}
	}

	filename := fmt.Sprintf("%s_results.xlsx", e.job.ID)
	output := filepath.Join(e.store.dir, filename)
	e.job.Log("Writing result file...")
	if err := excel.WriteRecords(output, resultSheet, records); err != nil {
		return "", eris.Wrapf(err, "export job %s", e.job.ID)
	}

	url := DownloadPrefix + filename
	e.job.Mutex.Lock()
	e.job.Result = &JobResult{
		Rows:        len(rows),
		Succeeded:   succeeded,
		Sheet:       resultSheet,
		Output:      output,
		Filename:    filename,
		DownloadURL: url,
	}
	e.job.Mutex.Unlock()
	return url, nil
}
