// Package checksum computes file checksums off the correlation
// goroutine. Results are cached by (path, mtime, size) so repeated
// execs of a stable binary reuse the verdict instead of re-reading
// the file.
package checksum

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultCacheSize bounds the verdict cache when none is configured.
const DefaultCacheSize = 4096

// Hasher computes the checksum of the file at path.
type Hasher func(path string) (string, error)

// FileMD5 is the default hasher.
func FileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Job is one submitted checksum computation. The submitter either
// waits on Done or polls it; a cancelled job still runs to completion
// but its result is ignored by Result.
type Job struct {
	Path     string
	Deadline time.Time

	done      chan struct{}
	checksum  string
	err       error
	cancelled atomic.Bool
}

// Done is closed when the job has a result.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Cancel marks the job superseded. Its result, whenever it arrives,
// will not be reported.
func (j *Job) Cancel() {
	j.cancelled.Store(true)
}

// Cancelled reports whether the job was superseded.
func (j *Job) Cancelled() bool {
	return j.cancelled.Load()
}

// Result returns the checksum once Done is closed. A cancelled job
// reports no checksum regardless of what the worker computed.
func (j *Job) Result() (string, error) {
	select {
	case <-j.done:
	default:
		return "", fmt.Errorf("checksum job for %s not finished", j.Path)
	}
	if j.cancelled.Load() {
		return "", nil
	}
	return j.checksum, j.err
}

func (j *Job) complete(sum string, err error) {
	j.checksum = sum
	j.err = err
	close(j.done)
}

type cacheKey struct {
	path  string
	mtime int64
	size  int64
}

// Worker runs checksum jobs on a single background goroutine.
type Worker struct {
	cache   *lru.Cache
	jobs    chan *Job
	hash    Hasher
	timeout time.Duration
	wg      sync.WaitGroup

	closeOnce sync.Once
}

// NewWorker creates a worker. A nil hasher selects FileMD5; a
// non-positive cache size selects DefaultCacheSize.
func NewWorker(cacheSize int, timeout time.Duration, hash Hasher) (*Worker, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	if hash == nil {
		hash = FileMD5
	}
	w := &Worker{
		cache:   cache,
		jobs:    make(chan *Job, 256),
		hash:    hash,
		timeout: timeout,
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Submit queues a checksum computation for path. A cache hit
// completes the job immediately on the calling goroutine.
func (w *Worker) Submit(path string) *Job {
	j := &Job{
		Path:     path,
		Deadline: time.Now().Add(w.timeout),
		done:     make(chan struct{}),
	}

	if key, ok := identity(path); ok {
		if sum, hit := w.cache.Get(key); hit {
			j.complete(sum.(string), nil)
			return j
		}
	}

	select {
	case w.jobs <- j:
	default:
		// Queue full: better a missing checksum than a stalled
		// pipeline.
		j.complete("", fmt.Errorf("checksum queue full, skipping %s", path))
	}
	return j
}

// Wait blocks until the job finishes or its deadline passes. The
// second return is false on timeout; a result arriving after that is
// discarded by the caller, never amended into an emitted event.
func (w *Worker) Wait(j *Job) (string, bool) {
	select {
	case <-j.done:
		sum, _ := j.Result()
		return sum, true
	case <-time.After(time.Until(j.Deadline)):
		j.Cancel()
		return "", false
	}
}

// Close stops accepting jobs and waits for the in-flight one.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		close(w.jobs)
	})
	w.wg.Wait()
}

func (w *Worker) run() {
	defer w.wg.Done()
	for j := range w.jobs {
		if j.Cancelled() {
			j.complete("", nil)
			continue
		}
		sum, err := w.hash(j.Path)
		if err == nil {
			if key, ok := identity(j.Path); ok {
				w.cache.Add(key, sum)
			}
		}
		j.complete(sum, err)
	}
}

// identity derives the cache key from the file's current metadata. A
// file we cannot stat is never cached; its content identity is
// unknown.
func identity(path string) (cacheKey, bool) {
	fi, err := os.Stat(path)
	if err != nil {
		return cacheKey{}, false
	}
	return cacheKey{path: path, mtime: fi.ModTime().UnixNano(), size: fi.Size()}, true
}
