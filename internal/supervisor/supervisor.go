// Package supervisor owns the pool of per-project dev-server processes:
// port allocation, spawning, readiness probing, idle reaping, and crash
// cleanup. One supervisor instance serves the whole orchestrator.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/omniflow/preview/internal/deps"
)

// ErrNoCapacity is returned by Start when every port slot is occupied.
var ErrNoCapacity = errors.New("instance capacity exhausted")

// Options configures a Supervisor.
type Options struct {
	BasePort     int
	MaxInstances int
	IdleTimeout  time.Duration

	BunBinary string
	TaggerDep string

	// PublicHost, PublicHTTPS, and PublicPort feed regenerated bundler
	// configs during pre-flight healing.
	PublicHost  string
	PublicHTTPS bool
	PublicPort  int

	// StartupTimeout bounds the readiness poll; StopGrace is how long a
	// SIGTERM'd child gets before SIGKILL. Zero values take defaults.
	StartupTimeout time.Duration
	StopGrace      time.Duration
	PollInterval   time.Duration
	SweepInterval  time.Duration
}

const (
	defaultStartupTimeout = 60 * time.Second
	defaultStopGrace      = 5 * time.Second
	defaultPollInterval   = 200 * time.Millisecond
	defaultSweepInterval  = time.Minute
)

// Supervisor manages dev-server child processes, one per project.
type Supervisor struct {
	opts   Options
	deps   *deps.Manager
	logger *zap.Logger

	mu        sync.Mutex
	instances map[string]*record
	ports     *portPool

	events *eventBus

	// checkReady probes a child port once. Overridable in tests.
	checkReady func(ctx context.Context, port int) bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Supervisor and starts its idle sweeper.
func New(opts Options, depManager *deps.Manager, logger *zap.Logger) *Supervisor {
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = defaultStartupTimeout
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.BunBinary == "" {
		opts.BunBinary = "bun"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Supervisor{
		opts:      opts,
		deps:      depManager,
		logger:    logger,
		instances: make(map[string]*record),
		ports:     newPortPool(opts.BasePort, opts.MaxInstances),
		events:    newEventBus(),
		done:      make(chan struct{}),
	}
	s.checkReady = s.probePort

	s.wg.Add(1)
	go s.sweepLoop()
	return s
}

// Start launches the dev server for a project, or returns the existing
// instance when one is already up. Start blocks until the child answers
// HTTP or the startup timeout fires.
func (s *Supervisor) Start(ctx context.Context, projectID, dir string) (Instance, error) {
	s.mu.Lock()
	if rec, ok := s.instances[projectID]; ok {
		switch rec.status {
		case StatusRunning:
			rec.lastActive = time.Now()
			inst := rec.snapshot()
			s.mu.Unlock()
			return inst, nil
		case StatusStarting:
			s.mu.Unlock()
			return s.waitForRunning(ctx, projectID)
		default:
			// A stop is in flight; wait for it to finish, then retry.
			exited := rec.exited
			s.mu.Unlock()
			select {
			case <-exited:
			case <-ctx.Done():
				return Instance{}, ctx.Err()
			}
			return s.Start(ctx, projectID, dir)
		}
	}

	port, err := s.ports.acquire(projectID)
	if err != nil {
		s.mu.Unlock()
		return Instance{}, fmt.Errorf("%w: %v", ErrNoCapacity, err)
	}

	rec := &record{
		projectID:  projectID,
		dir:        dir,
		port:       port,
		status:     StatusStarting,
		exited:     make(chan struct{}),
		launchDone: make(chan struct{}),
	}
	s.instances[projectID] = rec
	s.mu.Unlock()

	inst, err := s.launch(ctx, rec)
	if err != nil {
		s.remove(rec)
		close(rec.launchDone)
		return Instance{}, err
	}
	close(rec.launchDone)
	return inst, nil
}

func (s *Supervisor) launch(ctx context.Context, rec *record) (Instance, error) {
	if err := s.preflight(ctx, rec.dir, rec.projectID); err != nil {
		close(rec.exited)
		return Instance{}, fmt.Errorf("pre-flight for %s: %w", rec.projectID, err)
	}

	// A Stop issued during pre-flight must not be answered with a spawn.
	if s.stopRequested(rec) {
		close(rec.exited)
		return Instance{}, fmt.Errorf("dev server for %s stopped during startup", rec.projectID)
	}

	cmd := exec.Command(s.opts.BunBinary,
		"run", "vite",
		"--host", "0.0.0.0",
		"--port", strconv.Itoa(rec.port),
		"--strictPort",
	)
	cmd.Dir = rec.dir
	cmd.Env = append(os.Environ(), "NODE_ENV=development")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		close(rec.exited)
		return Instance{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		close(rec.exited)
		return Instance{}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		close(rec.exited)
		return Instance{}, fmt.Errorf("spawn dev server for %s: %w", rec.projectID, err)
	}
	rec.cmd = cmd

	go s.pipeLogs(rec, "stdout", stdout)
	go s.pipeLogs(rec, "stderr", stderr)
	go s.reap(rec)

	if err := s.awaitReady(ctx, rec); err != nil {
		s.kill(rec)
		return Instance{}, err
	}

	s.mu.Lock()
	if s.instances[rec.projectID] != rec || rec.status == StatusStopping {
		// The slot was torn down or stopped while we were waiting; don't
		// leave the child orphaned.
		s.mu.Unlock()
		s.kill(rec)
		return Instance{}, fmt.Errorf("dev server for %s stopped during startup", rec.projectID)
	}
	now := time.Now()
	rec.status = StatusRunning
	rec.startedAt = now
	rec.lastActive = now
	inst := rec.snapshot()
	s.mu.Unlock()

	s.logger.Info("instance running",
		zap.String("project", rec.projectID),
		zap.Int("port", rec.port),
	)
	s.events.publish(Event{Type: EventStarted, ProjectID: rec.projectID, Port: rec.port})
	return inst, nil
}

// awaitReady polls the child port until it answers HTTP, the child exits,
// or the startup timeout fires.
func (s *Supervisor) awaitReady(ctx context.Context, rec *record) error {
	deadline := time.NewTimer(s.opts.StartupTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.opts.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rec.exited:
			return fmt.Errorf("dev server for %s exited during startup (code %d)",
				rec.projectID, rec.exitCode)
		case <-deadline.C:
			return fmt.Errorf("dev server for %s did not answer within %s",
				rec.projectID, s.opts.StartupTimeout)
		case <-tick.C:
			if s.stopRequested(rec) {
				return fmt.Errorf("dev server for %s stopped during startup", rec.projectID)
			}
			if s.checkReady(ctx, rec.port) {
				return nil
			}
		}
	}
}

// stopRequested reports whether Stop has claimed the record.
func (s *Supervisor) stopRequested(rec *record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return rec.status == StatusStopping
}

// probePort issues one HEAD request against the child. Vite answers 200 for
// the root and 404 for unknown paths; both mean the server is up.
func (s *Supervisor) probePort(ctx context.Context, port int) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead,
		fmt.Sprintf("http://127.0.0.1:%d/", port), nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound
}

// pipeLogs streams one child output stream into the event bus line by line.
func (s *Supervisor) pipeLogs(rec *record, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		s.events.publish(Event{
			Type:      EventLog,
			ProjectID: rec.projectID,
			Port:      rec.port,
			Stream:    stream,
			Message:   scanner.Text(),
		})
	}
}

// reap waits for the child to exit. An exit while the instance is still
// starting or running is a crash: the slot is torn down so the next request
// can respawn.
func (s *Supervisor) reap(rec *record) {
	err := rec.cmd.Wait()
	if exitErr, ok := err.(*exec.ExitError); ok {
		rec.exitCode = exitErr.ExitCode()
	}
	close(rec.exited)

	s.mu.Lock()
	current, ok := s.instances[rec.projectID]
	crashed := ok && current == rec && rec.status != StatusStopping
	if crashed {
		delete(s.instances, rec.projectID)
		s.ports.release(rec.port)
	}
	s.mu.Unlock()

	s.events.publish(Event{
		Type:      EventExit,
		ProjectID: rec.projectID,
		Port:      rec.port,
		ExitCode:  rec.exitCode,
	})
	if crashed {
		s.logger.Warn("instance exited unexpectedly",
			zap.String("project", rec.projectID),
			zap.Int("exitCode", rec.exitCode),
		)
		s.events.publish(Event{Type: EventStopped, ProjectID: rec.projectID, Port: rec.port})
	}
}

// waitForRunning blocks until a concurrently starting instance settles.
func (s *Supervisor) waitForRunning(ctx context.Context, projectID string) (Instance, error) {
	deadline := time.NewTimer(s.opts.StartupTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.opts.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return Instance{}, ctx.Err()
		case <-deadline.C:
			return Instance{}, fmt.Errorf("timed out waiting for %s to start", projectID)
		case <-tick.C:
			s.mu.Lock()
			rec, ok := s.instances[projectID]
			if !ok {
				s.mu.Unlock()
				return Instance{}, fmt.Errorf("dev server for %s failed to start", projectID)
			}
			if rec.status == StatusRunning {
				inst := rec.snapshot()
				s.mu.Unlock()
				return inst, nil
			}
			s.mu.Unlock()
		}
	}
}

// Stop shuts down a project's instance. Stopping an absent project is a
// no-op. A stop issued while the instance is still starting waits for the
// in-flight launch to settle first: the port stays held until the launch
// has either killed its child or never spawned one.
func (s *Supervisor) Stop(projectID string) error {
	s.mu.Lock()
	rec, ok := s.instances[projectID]
	if !ok || rec.status == StatusStopping {
		s.mu.Unlock()
		return nil
	}
	starting := rec.status == StatusStarting
	rec.status = StatusStopping
	s.mu.Unlock()

	if starting {
		<-rec.launchDone
	} else {
		s.shutdown(rec)
	}
	s.remove(rec)

	s.logger.Info("instance stopped", zap.String("project", projectID))
	s.events.publish(Event{Type: EventStopped, ProjectID: projectID, Port: rec.port})
	return nil
}

// shutdown signals the child and escalates to SIGKILL after the grace
// period.
func (s *Supervisor) shutdown(rec *record) {
	if rec.cmd == nil || rec.cmd.Process == nil {
		return
	}
	if err := rec.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return
	}
	select {
	case <-rec.exited:
	case <-time.After(s.opts.StopGrace):
		s.logger.Warn("instance ignored SIGTERM, killing",
			zap.String("project", rec.projectID))
		rec.cmd.Process.Kill()
		<-rec.exited
	}
}

// kill force-terminates a child that never reached running.
func (s *Supervisor) kill(rec *record) {
	if rec.cmd != nil && rec.cmd.Process != nil {
		rec.cmd.Process.Kill()
		<-rec.exited
	}
}

// remove drops a record from the table and frees its port, if it is still
// the current occupant of its slot.
func (s *Supervisor) remove(rec *record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.instances[rec.projectID]; ok && current == rec {
		delete(s.instances, rec.projectID)
		s.ports.release(rec.port)
	}
}

// MarkActive refreshes a project's idle clock. Called by the proxy on every
// forwarded request and by the HMR splicer while a socket is open.
func (s *Supervisor) MarkActive(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.instances[projectID]; ok {
		rec.lastActive = time.Now()
	}
}

// Get returns a snapshot of a project's instance.
func (s *Supervisor) Get(projectID string) (Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.instances[projectID]
	if !ok {
		return Instance{}, false
	}
	return rec.snapshot(), true
}

// List returns snapshots of every instance.
func (s *Supervisor) List() []Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Instance, 0, len(s.instances))
	for _, rec := range s.instances {
		out = append(out, rec.snapshot())
	}
	return out
}

// RunningCount reports how many instances are in the running state.
func (s *Supervisor) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.instances {
		if rec.status == StatusRunning {
			n++
		}
	}
	return n
}

// Available reports how many instance slots remain.
func (s *Supervisor) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ports.available()
}

// Subscribe returns a channel of lifecycle events and a cancel function.
func (s *Supervisor) Subscribe() (<-chan Event, func()) {
	return s.events.subscribe()
}

// sweepLoop stops instances whose idle clock exceeded the timeout.
func (s *Supervisor) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Supervisor) sweep() {
	if s.opts.IdleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.opts.IdleTimeout)

	s.mu.Lock()
	var idle []string
	for id, rec := range s.instances {
		if rec.status == StatusRunning && rec.lastActive.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	s.mu.Unlock()

	for _, id := range idle {
		s.logger.Info("stopping idle instance", zap.String("project", id))
		s.Stop(id)
	}
}

// Destroy stops the sweeper and every instance. Instances stop in parallel;
// Destroy returns once all children have exited.
func (s *Supervisor) Destroy() error {
	close(s.done)
	s.wg.Wait()

	var g errgroup.Group
	for _, inst := range s.List() {
		id := inst.ProjectID
		g.Go(func() error {
			return s.Stop(id)
		})
	}
	err := g.Wait()
	s.events.close()
	return err
}
