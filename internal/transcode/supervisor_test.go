package transcode

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	logrustest "github.com/sirupsen/logrus/hooks/test"

	"streamcast/internal/stream"
)

var testIdentity = stream.Identity{App: "live", Key: "stream"}

// fakeProcess is a controllable stand-in for a launched transcoder
type fakeProcess struct {
	mu         sync.Mutex
	terminated bool
	exit       chan error
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{exit: make(chan error, 1)}
}

func (f *fakeProcess) Terminate() error {
	f.mu.Lock()
	f.terminated = true
	f.mu.Unlock()
	return nil
}

func (f *fakeProcess) Done() <-chan error { return f.exit }

func (f *fakeProcess) wasTerminated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}

// fakeLauncher hands out fake processes and records each spawn
type fakeLauncher struct {
	mu      sync.Mutex
	procs   []*fakeProcess
	outputs []func(string)
	failing error
}

func (f *fakeLauncher) launch(identity stream.Identity, onOutput func(string)) (process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing != nil {
		return nil, f.failing
	}
	proc := newFakeProcess()
	f.procs = append(f.procs, proc)
	f.outputs = append(f.outputs, onOutput)
	return proc, nil
}

func (f *fakeLauncher) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func (f *fakeLauncher) proc(i int) *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[i]
}

func (f *fakeLauncher) emit(i int, line string) {
	f.mu.Lock()
	onOutput := f.outputs[i]
	f.mu.Unlock()
	onOutput(line)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newTestSupervisor(t *testing.T, budget int, opts ...Option) (*Supervisor, *fakeLauncher) {
	t.Helper()
	launcher := &fakeLauncher{}
	logger, _ := logrustest.NewNullLogger()
	cfg := Config{
		FFmpegPath:     "ffmpeg",
		IngestURL:      "rtmp://127.0.0.1:1935",
		OutputDir:      t.TempDir(),
		SegmentSeconds: 2,
		PlaylistLength: 6,
		RestartBudget:  budget,
		RestartBackoff: 10 * time.Millisecond,
	}
	opts = append(opts, withLauncher(launcher.launch))
	return NewSupervisor(cfg, logger, opts...), launcher
}

func TestStartIsIdempotent(t *testing.T) {
	supervisor, launcher := newTestSupervisor(t, 2)

	if err := supervisor.Start(testIdentity); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := supervisor.Start(testIdentity); err != nil {
		t.Fatalf("second start: %v", err)
	}

	if launcher.spawnCount() != 1 {
		t.Fatalf("expected exactly one spawn, got %d", launcher.spawnCount())
	}
	if supervisor.Count() != 1 {
		t.Fatalf("expected exactly one job, got %d", supervisor.Count())
	}
}

func TestLivenessMarkerPromotesJob(t *testing.T) {
	supervisor, launcher := newTestSupervisor(t, 2)

	if err := supervisor.Start(testIdentity); err != nil {
		t.Fatalf("start: %v", err)
	}

	jobs := supervisor.Jobs()
	if len(jobs) != 1 || jobs[0].State != StateStarting {
		t.Fatalf("expected one starting job, got %+v", jobs)
	}

	launcher.emit(0, "Press [q] to stop, [?] for help")
	jobs = supervisor.Jobs()
	if jobs[0].State != StateStarting {
		t.Fatalf("non-marker output must not promote, got %s", jobs[0].State)
	}

	launcher.emit(0, "frame=   42 fps= 30 q=28.0 size=     256kB")
	waitFor(t, time.Second, func() bool {
		jobs := supervisor.Jobs()
		return len(jobs) == 1 && jobs[0].State == StateRunning
	})
}

func TestStopRemovesJob(t *testing.T) {
	supervisor, launcher := newTestSupervisor(t, 2)

	if err := supervisor.Start(testIdentity); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := supervisor.Stop(testIdentity); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if !launcher.proc(0).wasTerminated() {
		t.Fatal("expected termination signal")
	}

	// Requested stop: exit must land the job in Stopped and remove it,
	// not trigger the crash policy.
	launcher.proc(0).exit <- nil
	waitFor(t, time.Second, func() bool { return supervisor.Count() == 0 })

	if launcher.spawnCount() != 1 {
		t.Fatalf("stop must not respawn, got %d spawns", launcher.spawnCount())
	}
}

func TestRepublishDuringStopRespawns(t *testing.T) {
	supervisor, launcher := newTestSupervisor(t, 2)

	if err := supervisor.Start(testIdentity); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := supervisor.Stop(testIdentity); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// The publisher reconnects before the old process has exited. The
	// respawn must wait for the exit, not race the dying process.
	if err := supervisor.Start(testIdentity); err != nil {
		t.Fatalf("start during stop: %v", err)
	}
	if launcher.spawnCount() != 1 {
		t.Fatalf("respawn must wait for old process exit, got %d spawns", launcher.spawnCount())
	}

	launcher.proc(0).exit <- nil
	waitFor(t, time.Second, func() bool { return launcher.spawnCount() == 2 })

	jobs := supervisor.Jobs()
	if len(jobs) != 1 || jobs[0].State != StateStarting {
		t.Fatalf("expected one fresh starting job, got %+v", jobs)
	}
	if jobs[0].RestartBudget != 2 {
		t.Fatalf("respawned job must carry a fresh restart budget, got %d", jobs[0].RestartBudget)
	}
}

func TestStopAfterRepublishCancelsRespawn(t *testing.T) {
	supervisor, launcher := newTestSupervisor(t, 2)

	if err := supervisor.Start(testIdentity); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := supervisor.Stop(testIdentity); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := supervisor.Start(testIdentity); err != nil {
		t.Fatalf("start during stop: %v", err)
	}
	if err := supervisor.Stop(testIdentity); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	launcher.proc(0).exit <- nil
	waitFor(t, time.Second, func() bool { return supervisor.Count() == 0 })

	time.Sleep(50 * time.Millisecond)
	if launcher.spawnCount() != 1 {
		t.Fatalf("cancelled respawn must not spawn, got %d", launcher.spawnCount())
	}
}

func TestStopWithoutJobIsNoop(t *testing.T) {
	supervisor, _ := newTestSupervisor(t, 2)
	if err := supervisor.Stop(testIdentity); err != nil {
		t.Fatalf("stop without job: %v", err)
	}
}

func TestCrashRestartsWithinBudget(t *testing.T) {
	var restarts int
	var restartMu sync.Mutex

	supervisor, launcher := newTestSupervisor(t, 2, WithRestartFunc(func(stream.Identity) {
		restartMu.Lock()
		restarts++
		restartMu.Unlock()
	}))

	if err := supervisor.Start(testIdentity); err != nil {
		t.Fatalf("start: %v", err)
	}

	// First crash: budget 2 -> 1, automatic restart.
	launcher.proc(0).exit <- errors.New("exit status 1")
	waitFor(t, time.Second, func() bool { return launcher.spawnCount() == 2 })

	restartMu.Lock()
	got := restarts
	restartMu.Unlock()
	if got != 1 {
		t.Fatalf("expected 1 restart, got %d", got)
	}
	if supervisor.Count() != 1 {
		t.Fatalf("job must survive first crash, count=%d", supervisor.Count())
	}
}

func TestBudgetExhaustionSurfacesError(t *testing.T) {
	var exhaustedErr error
	var exhaustedMu sync.Mutex

	supervisor, launcher := newTestSupervisor(t, 2, WithExhaustedFunc(func(_ stream.Identity, err error) {
		exhaustedMu.Lock()
		exhaustedErr = err
		exhaustedMu.Unlock()
	}))

	if err := supervisor.Start(testIdentity); err != nil {
		t.Fatalf("start: %v", err)
	}

	launcher.proc(0).exit <- errors.New("exit status 1")
	waitFor(t, time.Second, func() bool { return launcher.spawnCount() == 2 })

	// Second consecutive crash exhausts the budget: no further restart,
	// job record removed, operator-visible error surfaced.
	launcher.proc(1).exit <- errors.New("exit status 1")
	waitFor(t, time.Second, func() bool { return supervisor.Count() == 0 })

	time.Sleep(50 * time.Millisecond)
	if launcher.spawnCount() != 2 {
		t.Fatalf("exhausted job must not respawn, got %d spawns", launcher.spawnCount())
	}

	exhaustedMu.Lock()
	defer exhaustedMu.Unlock()
	if exhaustedErr == nil {
		t.Fatal("expected exhausted callback")
	}
	if !strings.Contains(exhaustedErr.Error(), "restart budget") {
		t.Fatalf("unexpected error: %v", exhaustedErr)
	}
}

func TestStopDuringBackoffCancelsRestart(t *testing.T) {
	launcher := &fakeLauncher{}
	logger, _ := logrustest.NewNullLogger()
	cfg := Config{
		OutputDir:      t.TempDir(),
		RestartBudget:  3,
		RestartBackoff: time.Hour, // never fires during the test
	}
	supervisor := NewSupervisor(cfg, logger, withLauncher(launcher.launch))

	if err := supervisor.Start(testIdentity); err != nil {
		t.Fatalf("start: %v", err)
	}
	launcher.proc(0).exit <- errors.New("exit status 1")
	waitFor(t, time.Second, func() bool {
		jobs := supervisor.Jobs()
		return len(jobs) == 1 && jobs[0].State == StateCrashed
	})

	if err := supervisor.Stop(testIdentity); err != nil {
		t.Fatalf("stop during backoff: %v", err)
	}
	if supervisor.Count() != 0 {
		t.Fatalf("expected job removed, count=%d", supervisor.Count())
	}
	if launcher.spawnCount() != 1 {
		t.Fatalf("expected no respawn after stop, got %d", launcher.spawnCount())
	}
}

func TestBuildArgsDeterministic(t *testing.T) {
	supervisor, _ := newTestSupervisor(t, 2)

	args := supervisor.buildArgs(testIdentity)
	joined := strings.Join(args, " ")

	if !strings.Contains(joined, "-i rtmp://127.0.0.1:1935/live/stream") {
		t.Fatalf("input locator missing: %s", joined)
	}
	if !strings.Contains(joined, "-hls_time 2") || !strings.Contains(joined, "-hls_list_size 6") {
		t.Fatalf("segmenting parameters missing: %s", joined)
	}
	if !strings.HasSuffix(joined, "index.m3u8") {
		t.Fatalf("playlist target missing: %s", joined)
	}

	again := strings.Join(supervisor.buildArgs(testIdentity), " ")
	if joined != again {
		t.Fatal("argument construction must be deterministic")
	}
}

func TestStopAllDrainsJobs(t *testing.T) {
	supervisor, launcher := newTestSupervisor(t, 2)

	if err := supervisor.Start(testIdentity); err != nil {
		t.Fatalf("start: %v", err)
	}

	go func() {
		for !launcher.proc(0).wasTerminated() {
			time.Sleep(5 * time.Millisecond)
		}
		launcher.proc(0).exit <- nil
	}()

	supervisor.StopAll(2 * time.Second)
	if supervisor.Count() != 0 {
		t.Fatalf("expected all jobs drained, count=%d", supervisor.Count())
	}
}
