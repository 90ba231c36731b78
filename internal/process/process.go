package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	psproc "github.com/shirou/gopsutil/v3/process"

	"github.com/sua-org/aibox-bus/internal/logging"
)

var (
	// ErrSpawn indica que o processo nem chegou a iniciar (binário ausente, permissão...).
	ErrSpawn = errors.New("process: spawn failed")
	// ErrStillRunning: o processo sobreviveu ao SIGKILL dentro do kill timeout.
	ErrStillRunning = errors.New("process: still running after kill")
)

const stderrTail = 4096

type Spec struct {
	Name string
	Path string
	Args []string
	Dir  string
	Env  []string
}

type Options struct {
	TerminateTimeout time.Duration
	KillTimeout      time.Duration
	Logger           *slog.Logger
}

// Supervisor cria filhos e conta quantos ainda não foram reaped.
type Supervisor struct {
	terminateTimeout time.Duration
	killTimeout      time.Duration
	logger           *slog.Logger
	running          atomic.Int64
}

func NewSupervisor(opts Options) *Supervisor {
	if opts.TerminateTimeout <= 0 {
		opts.TerminateTimeout = 10 * time.Second
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Supervisor{
		terminateTimeout: opts.TerminateTimeout,
		killTimeout:      opts.KillTimeout,
		logger:           opts.Logger,
	}
}

// Running é o número de filhos iniciados e ainda não reaped.
func (s *Supervisor) Running() int {
	return int(s.running.Load())
}

// Spawn inicia o processo num novo process group.
func (s *Supervisor) Spawn(spec Spec) (*Child, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	tail := &tailBuffer{max: stderrTail}
	cmd.Stderr = tail
	// netos que herdam o stderr não podem segurar o Wait
	cmd.WaitDelay = s.killTimeout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, spec.Path, err)
	}

	c := &Child{
		name:      spec.Name,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		stderr:    tail,
		sup:       s,
		logger:    s.logger.With("process", spec.Name, "pid", cmd.Process.Pid),
	}
	s.running.Add(1)
	go c.reap()

	c.logger.Debug("processo iniciado", "path", spec.Path)
	return c, nil
}

// Scope executa fn com um filho recém-criado e garante Stop (e reap) ao sair,
// inclusive em panic.
func (s *Supervisor) Scope(ctx context.Context, spec Spec, fn func(ctx context.Context, c *Child) error) (err error) {
	child, err := s.Spawn(spec)
	if err != nil {
		return err
	}
	defer func() {
		if stopErr := child.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}()
	return fn(ctx, child)
}

type Child struct {
	name      string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan struct{}
	exitErr   error
	stderr    *tailBuffer
	sup       *Supervisor
	logger    *slog.Logger

	stopMu sync.Mutex
}

func (c *Child) reap() {
	c.exitErr = c.cmd.Wait()
	c.sup.running.Add(-1)
	close(c.done)
	if c.exitErr != nil {
		c.logger.Debug("processo terminou", "err", c.exitErr, "stderr", c.stderr.String())
	} else {
		c.logger.Debug("processo terminou")
	}
}

func (c *Child) PID() int { return c.pid }

func (c *Child) StartedAt() time.Time { return c.startedAt }

// Done fecha quando o processo foi reaped.
func (c *Child) Done() <-chan struct{} { return c.done }

// ExitErr só é válido depois de Done.
func (c *Child) ExitErr() error {
	select {
	case <-c.done:
		return c.exitErr
	default:
		return nil
	}
}

// Stderr devolve o final do stderr do processo.
func (c *Child) Stderr() string { return c.stderr.String() }

func (c *Child) Exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Stop encerra o process group: SIGTERM, espera terminateTimeout, SIGKILL, espera killTimeout.
// Retorna quando o processo foi reaped ou ErrStillRunning.
func (c *Child) Stop() error {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()

	if c.Exited() {
		return nil
	}

	if err := c.signalGroup(syscall.SIGTERM); err != nil {
		c.logger.Warn("falha ao enviar SIGTERM", "err", err)
	}
	if c.waitDone(c.sup.terminateTimeout) {
		return nil
	}

	c.logger.Warn("processo não respondeu ao SIGTERM, enviando SIGKILL", "timeout", c.sup.terminateTimeout)
	if err := c.signalGroup(syscall.SIGKILL); err != nil {
		c.logger.Warn("falha ao enviar SIGKILL", "err", err)
	}
	if c.waitDone(c.sup.killTimeout) {
		return nil
	}
	return fmt.Errorf("%w: pid %d", ErrStillRunning, c.pid)
}

func (c *Child) signalGroup(sig syscall.Signal) error {
	err := syscall.Kill(-c.pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		// grupo já sumiu; tenta o pid direto
		err = c.cmd.Process.Signal(sig)
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
	}
	return err
}

func (c *Child) waitDone(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.done:
		return true
	case <-timer.C:
		return false
	}
}

type Stats struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// Stats lê cpu/memória do processo via gopsutil.
func (c *Child) Stats() (Stats, error) {
	st := Stats{PID: c.pid}
	if c.Exited() {
		return st, nil
	}
	p, err := psproc.NewProcess(int32(c.pid))
	if err != nil {
		return st, fmt.Errorf("stats pid %d: %w", c.pid, err)
	}
	if cpu, err := p.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		st.RSSBytes = mem.RSS
	}
	return st, nil
}

// tailBuffer guarda só os últimos max bytes escritos.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
