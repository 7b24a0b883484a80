// Package supervisor owns every OS process started on behalf of an execution.
//
// Each child runs in its own process group with a merged stdout/stderr pipe.
// A supervisor goroutine always waits on the child, so reaping never depends
// on the caller; when the group leader exits any remaining group members are
// killed. Terminate signals the group gracefully, then force-kills it after
// the grace period.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/p42r/internal/observability"
)

// reapDeadline bounds how long Terminate waits after SIGKILL.
const reapDeadline = 5 * time.Second

// DefaultInheritEnv lists the variables children inherit from the agent.
// The display variables let screenshot tools reach the desktop session.
var DefaultInheritEnv = []string{
	"PATH", "HOME", "USER", "LOGNAME", "LANG", "SHELL", "TZ",
	"DISPLAY", "WAYLAND_DISPLAY", "XDG_RUNTIME_DIR", "DBUS_SESSION_BUS_ADDRESS",
}

// Config configures a Supervisor.
type Config struct {
	// WorkDir is the default working directory; relative Command.Dir values resolve against it.
	WorkDir string
	// AllowedDirs restricts working directories to these prefixes when non-empty.
	AllowedDirs []string
	// DeniedDirs are never usable as working directories.
	DeniedDirs []string
	// InheritEnv names the agent environment variables passed to children.
	InheritEnv []string
	// Env is added to every child's environment.
	Env map[string]string
}

// Command describes a child process.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  map[string]string
}

// ExitStatus describes how a child ended.
type ExitStatus struct {
	Code       int
	Signal     string
	Terminated bool // ended by Terminate
	Duration   time.Duration
}

// Success reports a zero exit code without supervisor intervention.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == "" && !s.Terminated
}

// Handle is a supervised child process.
type Handle struct {
	id      uint64
	owner   string
	path    string
	cmd     *exec.Cmd
	output  *os.File
	started time.Time

	terminated atomic.Bool
	// sigMu guards reaped. Group signals are only sent while the leader is
	// unreaped, so they never reach a process that reused its pid.
	sigMu  sync.Mutex
	reaped bool
	closeOnce  sync.Once
	done       chan struct{}
	status     ExitStatus
	waitErr    error
}

// signal runs send against the group unless the leader was already reaped.
func (h *Handle) signal(send func(*exec.Cmd) error) error {
	h.sigMu.Lock()
	defer h.sigMu.Unlock()
	if h.reaped {
		return nil
	}
	return send(h.cmd)
}

func (h *Handle) markReaped() {
	h.sigMu.Lock()
	h.reaped = true
	h.sigMu.Unlock()
}

// PID returns the OS process id.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// Owner returns the execution id that spawned the process.
func (h *Handle) Owner() string { return h.owner }

// Output returns the merged stdout/stderr stream. It reaches EOF once the
// process and its group are gone.
func (h *Handle) Output() io.Reader { return h.output }

// CloseOutput closes the read end of the output pipe, unblocking any reader.
// It is safe to call more than once.
func (h *Handle) CloseOutput() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.output.Close()
	})
	return err
}

// Done is closed after the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Status returns the exit status. Only meaningful after Done is closed.
func (h *Handle) Status() ExitStatus { return h.status }

// ProcessInfo is a read-only view of a live handle.
type ProcessInfo struct {
	PID     int
	Owner   string
	Path    string
	Started time.Time
}

// Supervisor keeps the ownership table from execution id to live processes.
type Supervisor struct {
	cfg Config

	mu      sync.Mutex
	handles map[uint64]*Handle
	byOwner map[string]map[uint64]*Handle
	nextID  uint64
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	if len(cfg.InheritEnv) == 0 {
		cfg.InheritEnv = DefaultInheritEnv
	}
	return &Supervisor{
		cfg:     cfg,
		handles: make(map[uint64]*Handle),
		byOwner: make(map[string]map[uint64]*Handle),
	}
}

// Spawn starts a child process owned by owner.
func (s *Supervisor) Spawn(owner string, c Command) (*Handle, error) {
	if strings.TrimSpace(c.Path) == "" {
		return nil, &SpawnError{Path: c.Path, Err: fmt.Errorf("command is required")}
	}
	dir, err := s.resolveDir(c.Dir)
	if err != nil {
		return nil, &SpawnError{Path: c.Path, Err: err}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &SpawnError{Path: c.Path, Err: ErrClosed}
	}
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	r, w, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Path: c.Path, Err: err}
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = dir
	cmd.Env = s.buildEnvironment(c.Env)
	cmd.Stdout = w
	cmd.Stderr = w
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, &SpawnError{Path: c.Path, Err: err}
	}
	// The child holds its own copy of the write end.
	w.Close()

	h := &Handle{
		id:      id,
		owner:   owner,
		path:    c.Path,
		cmd:     cmd,
		output:  r,
		started: time.Now(),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	s.handles[id] = h
	if s.byOwner[owner] == nil {
		s.byOwner[owner] = make(map[uint64]*Handle)
	}
	s.byOwner[owner][id] = h
	live := len(s.handles)
	s.wg.Add(1)
	s.mu.Unlock()
	observability.SetSupervisedProcesses(live)

	go s.reap(h)

	log.Debug().
		Str("owner", owner).
		Str("command", c.Path).
		Strs("args", c.Args).
		Int("pid", h.PID()).
		Msg("Process spawned")

	return h, nil
}

func (s *Supervisor) reap(h *Handle) {
	defer s.wg.Done()

	// Stragglers in the group would otherwise keep the output pipe open.
	held := waitExited(h.PID())
	if held {
		if kerr := h.signal(killGroup); kerr != nil {
			log.Debug().Err(kerr).Int("pid", h.PID()).Msg("Group cleanup after exit failed")
		}
		h.markReaped()
	}
	err := h.cmd.Wait()
	if !held {
		h.markReaped()
		if kerr := sweepGroup(h.cmd); kerr != nil {
			log.Debug().Err(kerr).Int("pid", h.PID()).Msg("Group cleanup after exit failed")
		}
	}

	status := ExitStatus{
		Code:       -1,
		Terminated: h.terminated.Load(),
		Duration:   time.Since(h.started),
	}
	if state := h.cmd.ProcessState; state != nil {
		status.Code = state.ExitCode()
		status.Signal = signalName(state)
	}
	if _, isExit := err.(*exec.ExitError); err != nil && !isExit {
		h.waitErr = err
	}
	h.status = status

	s.mu.Lock()
	delete(s.handles, h.id)
	if owned := s.byOwner[h.owner]; owned != nil {
		delete(owned, h.id)
		if len(owned) == 0 {
			delete(s.byOwner, h.owner)
		}
	}
	live := len(s.handles)
	s.mu.Unlock()
	observability.SetSupervisedProcesses(live)

	close(h.done)

	log.Debug().
		Str("owner", h.owner).
		Int("pid", h.PID()).
		Int("exit_code", status.Code).
		Str("signal", status.Signal).
		Bool("terminated", status.Terminated).
		Dur("duration", status.Duration).
		Msg("Process reaped")
}

// Wait blocks until the process has been reaped or ctx ends. Abandoning a
// wait does not leak the process; the supervisor still reaps it.
func (s *Supervisor) Wait(ctx context.Context, h *Handle) (ExitStatus, error) {
	select {
	case <-h.done:
		return h.status, h.waitErr
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Terminate sends SIGTERM to the process group, then SIGKILL once grace has
// elapsed, and returns after the process is reaped. It is idempotent.
func (s *Supervisor) Terminate(h *Handle, grace time.Duration) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	h.terminated.Store(true)

	if grace > 0 {
		if err := h.signal(interruptGroup); err != nil {
			log.Debug().Err(err).Int("pid", h.PID()).Msg("Graceful signal failed")
		}
		timer := time.NewTimer(grace)
		select {
		case <-h.done:
			timer.Stop()
			return nil
		case <-timer.C:
		}
		log.Warn().Int("pid", h.PID()).Dur("grace", grace).Msg("Process ignored SIGTERM, killing")
	}

	if err := h.signal(killGroup); err != nil {
		log.Warn().Err(err).Int("pid", h.PID()).Msg("Kill failed")
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(reapDeadline):
		return fmt.Errorf("%w: pid %d", ErrNotReaped, h.PID())
	}
}

// TerminateOwner terminates every live process owned by owner concurrently
// and returns how many there were.
func (s *Supervisor) TerminateOwner(owner string, grace time.Duration) int {
	handles := s.owned(owner)
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			if err := s.Terminate(h, grace); err != nil {
				log.Error().Err(err).Str("owner", owner).Msg("Failed to terminate process")
			}
		}(h)
	}
	wg.Wait()
	return len(handles)
}

// Live returns the number of processes not yet reaped.
func (s *Supervisor) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// LiveFor returns the number of unreaped processes owned by owner.
func (s *Supervisor) LiveFor(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byOwner[owner])
}

// List returns live processes ordered by start time.
func (s *Supervisor) List() []ProcessInfo {
	s.mu.Lock()
	out := make([]ProcessInfo, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, ProcessInfo{PID: h.PID(), Owner: h.owner, Path: h.path, Started: h.started})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Shutdown refuses new spawns, terminates everything and waits for reaping.
func (s *Supervisor) Shutdown(grace time.Duration) {
	s.mu.Lock()
	s.closed = true
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			_ = s.Terminate(h, grace)
		}(h)
	}
	wg.Wait()
	s.wg.Wait()
}

func (s *Supervisor) owned(owner string) []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles := make([]*Handle, 0, len(s.byOwner[owner]))
	for _, h := range s.byOwner[owner] {
		handles = append(handles, h)
	}
	return handles
}

func (s *Supervisor) resolveDir(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = s.cfg.WorkDir
	} else if !filepath.IsAbs(dir) && s.cfg.WorkDir != "" {
		dir = filepath.Join(s.cfg.WorkDir, dir)
	}
	if dir == "" {
		return "", nil
	}
	clean := filepath.Clean(dir)

	for _, denied := range s.cfg.DeniedDirs {
		if withinDir(clean, denied) {
			return "", fmt.Errorf("%w: %s", ErrDirectoryDenied, dir)
		}
	}
	if len(s.cfg.AllowedDirs) == 0 {
		return clean, nil
	}
	for _, allowed := range s.cfg.AllowedDirs {
		if withinDir(clean, allowed) {
			return clean, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrDirectoryDenied, dir)
}

func withinDir(path, root string) bool {
	root = filepath.Clean(root)
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

func (s *Supervisor) buildEnvironment(extra map[string]string) []string {
	env := make(map[string]string)
	for _, name := range s.cfg.InheritEnv {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}
	if _, ok := env["PATH"]; !ok {
		env["PATH"] = "/usr/local/bin:/usr/bin:/bin"
	}
	for k, v := range s.cfg.Env {
		env[k] = v
	}
	for k, v := range extra {
		env[k] = v
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	result := make([]string, 0, len(keys))
	for _, k := range keys {
		result = append(result, k+"="+env[k])
	}
	return result
}
