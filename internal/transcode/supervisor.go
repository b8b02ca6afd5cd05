// Package transcode supervises the external transcoding subprocess. The
// supervisor owns at most one job per stream identity, keeps its
// lifecycle tied to the ingest stream's, and applies a restart budget on
// crashes.
package transcode

import (
	"fmt"
	"sync"
	"time"

	"streamcast/internal/stream"
	"streamcast/pkg/logging"
)

// livenessMarker is the substring of transcoder progress output that
// promotes a job from Starting to Running. ffmpeg emits progress lines
// beginning with "frame=" once it is producing output. This is a
// best-effort readiness heuristic; no transition depends on it for
// correctness.
const livenessMarker = "frame="

// Config is the static transcoder configuration. It is read at
// construction and never mutated at runtime.
type Config struct {
	FFmpegPath     string
	IngestURL      string // loopback ingest endpoint, e.g. rtmp://127.0.0.1:1935
	OutputDir      string
	SegmentSeconds int
	PlaylistLength int
	RestartBudget  int
	RestartBackoff time.Duration
}

// launcher spawns one transcoder process for an identity. onOutput is
// invoked for every diagnostic output line.
type launcher func(identity stream.Identity, onOutput func(string)) (process, error)

// Supervisor owns the set of transcode jobs. Start is idempotent per
// identity; Stop tears the job down and removes its record.
type Supervisor struct {
	mu     sync.Mutex
	cfg    Config
	logger logging.Logger
	launch launcher
	jobs   map[string]*Job

	// onExhausted surfaces an operator-visible error once a job's
	// restart budget runs out
	onExhausted func(identity stream.Identity, err error)
	// onRestart is an optional observation hook for metrics
	onRestart func(identity stream.Identity)
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithExhaustedFunc sets the callback invoked when a job's restart
// budget is exhausted
func WithExhaustedFunc(fn func(stream.Identity, error)) Option {
	return func(s *Supervisor) { s.onExhausted = fn }
}

// WithRestartFunc sets an observation hook invoked on each automatic
// crash restart
func WithRestartFunc(fn func(stream.Identity)) Option {
	return func(s *Supervisor) { s.onRestart = fn }
}

// withLauncher replaces the process launcher; used by tests
func withLauncher(l launcher) Option {
	return func(s *Supervisor) { s.launch = l }
}

// NewSupervisor creates a supervisor with the given static configuration
func NewSupervisor(cfg Config, logger logging.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:    cfg,
		logger: logger,
		jobs:   make(map[string]*Job),
	}
	s.launch = s.launchFFmpeg
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches a transcoder for the identity. If a job already exists
// for the identity the call is a no-op: duplicate publish signals must
// never spawn a second process.
func (s *Supervisor) Start(identity stream.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := identity.Path()
	if existing, ok := s.jobs[path]; ok {
		if existing.state == StateStopping {
			// The publisher came back before the old process finished
			// exiting; respawn once it is reaped.
			existing.restartPending = true
			s.logger.WithField("stream_path", path).Info("Publish during stop, transcoder will respawn")
			return nil
		}
		s.logger.WithFields(logging.Fields{
			"stream_path": path,
			"job_state":   existing.state,
		}).Debug("Transcode job already present, ignoring start")
		return nil
	}

	job := &Job{
		identity:      identity,
		restartBudget: s.cfg.RestartBudget,
		done:          make(chan struct{}),
	}
	if err := s.spawnLocked(job); err != nil {
		return fmt.Errorf("spawn transcoder for %s: %w", path, err)
	}
	s.jobs[path] = job
	return nil
}

// Stop requests termination of the identity's job. With no job present
// the call is a no-op.
func (s *Supervisor) Stop(identity stream.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(identity.Path())
}

func (s *Supervisor) stopLocked(path string) error {
	job, ok := s.jobs[path]
	if !ok {
		return nil
	}

	// A crashed job waiting out its restart backoff has no process to
	// signal; cancel the pending restart and drop the record.
	if job.restartTimer != nil {
		job.restartTimer.Stop()
		job.restartTimer = nil
		s.removeLocked(path, job, StateStopped)
		return nil
	}

	job.stopRequested = true
	job.restartPending = false
	job.state = StateStopping
	s.logger.WithField("stream_path", path).Info("Stopping transcode job")

	if err := job.proc.Terminate(); err != nil {
		// Termination failure usually means the process is already
		// gone; the exit path will reap the record.
		s.logger.WithError(err).WithField("stream_path", path).Warn("Failed to signal transcoder")
	}
	return nil
}

// StopAll terminates every job and waits for the records to drain. Used
// on graceful shutdown so no subprocess outlives the parent.
func (s *Supervisor) StopAll(deadline time.Duration) {
	s.mu.Lock()
	dones := make([]chan struct{}, 0, len(s.jobs))
	for path, job := range s.jobs {
		dones = append(dones, job.done)
		if err := s.stopLocked(path); err != nil {
			s.logger.WithError(err).WithField("stream_path", path).Warn("Stop during shutdown failed")
		}
	}
	s.mu.Unlock()

	timeout := time.After(deadline)
	for _, done := range dones {
		select {
		case <-done:
		case <-timeout:
			s.logger.Warn("Timed out waiting for transcode jobs to exit")
			return
		}
	}
}

// Count returns the number of jobs currently supervised
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Jobs returns a snapshot of current jobs
func (s *Supervisor) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for path, job := range s.jobs {
		infos = append(infos, JobInfo{
			Path:          path,
			State:         job.state,
			RestartBudget: job.restartBudget,
		})
	}
	return infos
}

// spawnLocked launches the process for a job and arranges exit handling.
// Caller holds the mutex.
func (s *Supervisor) spawnLocked(job *Job) error {
	job.state = StateStarting
	job.stopRequested = false

	proc, err := s.launch(job.identity, func(line string) {
		s.noteOutput(job, line)
	})
	if err != nil {
		return err
	}
	job.proc = proc

	s.logger.WithFields(logging.Fields{
		"stream_path":    job.identity.Path(),
		"restart_budget": job.restartBudget,
	}).Info("Transcode job starting")

	go s.reap(job, proc)
	return nil
}

// noteOutput inspects a diagnostic output line for the liveness marker
func (s *Supervisor) noteOutput(job *Job, line string) {
	if !containsMarker(line) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.state == StateStarting {
		job.state = StateRunning
		s.logger.WithField("stream_path", job.identity.Path()).Info("Transcode job running")
	}
}

// reap waits for process exit and applies the stop/crash policy
func (s *Supervisor) reap(job *Job, proc process) {
	exitErr := <-proc.Done()

	s.mu.Lock()
	defer s.mu.Unlock()

	path := job.identity.Path()

	if job.stopRequested {
		if job.restartPending {
			job.restartPending = false
			job.restartBudget = s.cfg.RestartBudget
			if err := s.spawnLocked(job); err != nil {
				s.logger.WithError(err).WithField("stream_path", path).Error("Respawn after republish failed")
				s.removeLocked(path, job, StateCrashed)
				if s.onExhausted != nil {
					s.onExhausted(job.identity, fmt.Errorf("respawn transcoder for %s: %w", path, err))
				}
				return
			}
			s.logger.WithField("stream_path", path).Info("Transcode job respawned for new publish")
			return
		}
		s.removeLocked(path, job, StateStopped)
		s.logger.WithField("stream_path", path).Info("Transcode job stopped")
		return
	}

	job.state = StateCrashed
	job.restartBudget--
	s.logger.WithError(exitErr).WithFields(logging.Fields{
		"stream_path":    path,
		"restart_budget": job.restartBudget,
	}).Error("Transcode job crashed")

	if job.restartBudget <= 0 {
		err := fmt.Errorf("transcoder for %s exceeded restart budget: %w", path, exitErr)
		s.removeLocked(path, job, StateCrashed)
		if s.onExhausted != nil {
			s.onExhausted(job.identity, err)
		}
		return
	}

	job.restartTimer = time.AfterFunc(s.cfg.RestartBackoff, func() {
		s.restart(job)
	})
}

// restart relaunches a crashed job after its backoff
func (s *Supervisor) restart(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := job.identity.Path()
	if s.jobs[path] != job {
		// Stopped or replaced while waiting out the backoff.
		return
	}
	job.restartTimer = nil

	if s.onRestart != nil {
		s.onRestart(job.identity)
	}
	s.logger.WithFields(logging.Fields{
		"stream_path":    path,
		"restart_budget": job.restartBudget,
	}).Info("Restarting crashed transcode job")

	if err := s.spawnLocked(job); err != nil {
		s.logger.WithError(err).WithField("stream_path", path).Error("Restart spawn failed")
		job.restartBudget--
		if job.restartBudget <= 0 {
			s.removeLocked(path, job, StateCrashed)
			if s.onExhausted != nil {
				s.onExhausted(job.identity, fmt.Errorf("transcoder for %s exceeded restart budget: %w", path, err))
			}
			return
		}
		job.restartTimer = time.AfterFunc(s.cfg.RestartBackoff, func() {
			s.restart(job)
		})
	}
}

// removeLocked drops a job record and releases its waiters. Caller holds
// the mutex.
func (s *Supervisor) removeLocked(path string, job *Job, final JobState) {
	job.state = final
	delete(s.jobs, path)
	select {
	case <-job.done:
	default:
		close(job.done)
	}
}
