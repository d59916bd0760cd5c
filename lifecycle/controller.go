package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Operations understood by the vtkhttp executable.
const (
	OperationStart  = "start"
	OperationRun    = "run"
	OperationStop   = "stop"
	OperationStatus = "status"
)

const (
	DefaultPort         = 8000
	DefaultHost         = "127.0.0.1"
	DefaultReadyTimeout = 30 * time.Second
	DefaultStopTimeout  = 5 * time.Second
)

// Controller starts and stops the detached server for one working directory.
// The lock record in that directory is the only state shared with the server.
type Controller struct {
	log *zap.SugaredLogger

	dir  string
	port int
	host string

	executable   string
	env          []string
	runArgs      []string
	extraRunArgs []string

	readyTimeout time.Duration
	stopTimeout  time.Duration
}

type Option func(c *Controller)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Controller) {
		c.log = l.Named("controller")
	}
}

func WithPort(port int) Option {
	return func(c *Controller) {
		c.port = port
	}
}

func WithHost(host string) Option {
	return func(c *Controller) {
		c.host = host
	}
}

// WithExecutable sets the binary spawned in run mode. Defaults to the running executable.
func WithExecutable(path string) Option {
	return func(c *Controller) {
		c.executable = path
	}
}

// WithEnv sets the environment of the spawned server. Defaults to the controller's environment.
func WithEnv(env []string) Option {
	return func(c *Controller) {
		c.env = env
	}
}

// WithRunArgs replaces the arguments passed to the spawned executable entirely.
func WithRunArgs(args ...string) Option {
	return func(c *Controller) {
		c.runArgs = args
	}
}

// WithExtraRunArgs appends arguments to the default run-mode arguments.
func WithExtraRunArgs(args ...string) Option {
	return func(c *Controller) {
		c.extraRunArgs = append(c.extraRunArgs, args...)
	}
}

// WithReadyTimeout bounds how long Start waits for the readiness signal. Zero waits forever.
func WithReadyTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.readyTimeout = d
	}
}

// WithStopTimeout bounds how long Stop waits for the signaled process to exit. Zero skips the wait.
func WithStopTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.stopTimeout = d
	}
}

// NewController constructs a controller for the given working directory.
func NewController(dir string, opts ...Option) (*Controller, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving directory %q: %w", dir, err)
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	c := &Controller{
		log:          logger.Named("controller").Sugar(),
		dir:          absDir,
		port:         DefaultPort,
		host:         DefaultHost,
		env:          os.Environ(),
		readyTimeout: DefaultReadyTimeout,
		stopTimeout:  DefaultStopTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("finding own executable: %w", err)
		}
		c.executable = exe
	}
	return c, nil
}

// Dir returns the absolute working directory.
func (c *Controller) Dir() string {
	return c.dir
}

// LockPath returns the path of the lock record this controller manages.
func (c *Controller) LockPath() string {
	return LockPath(c.dir)
}

func (c *Controller) args() []string {
	if c.runArgs != nil {
		return c.runArgs
	}
	args := []string{
		"-d", c.dir,
		"-p", strconv.Itoa(c.port),
		"-o", OperationRun,
		"--host", c.host,
	}
	return append(args, c.extraRunArgs...)
}

// Start spawns a detached server and returns its pid once it has signaled readiness.
// It refuses to spawn if a lock record already exists.
func (c *Controller) Start(ctx context.Context) (int, error) {
	c.log.Info("starting server process..")

	guard, err := AcquireGuard(ctx, c.dir)
	if err != nil {
		return 0, err
	}
	defer guard.Release()

	lockPath := c.LockPath()
	exists, err := RecordExists(lockPath)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, fmt.Errorf("%w: lock file %s exists, run with -o stop to kill the existing HTTP server and try again", ErrAlreadyRunning, lockPath)
	}

	cmd, readyR, err := c.spawn()
	if err != nil {
		return 0, err
	}
	defer readyR.Close()
	pid := cmd.Process.Pid
	c.log.Infof("server process spawned with pid %d", pid)

	waitCtx := ctx
	if c.readyTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.readyTimeout)
		defer cancel()
	}

	err = waitReady(waitCtx, readyR, c.log)
	if err != nil {
		// Never leave a server behind that start reported as failed.
		if killErr := cmd.Process.Kill(); killErr == nil {
			c.log.Warnf("killed server process %d", pid)
		}
		_ = cmd.Wait()
		return 0, fmt.Errorf("waiting for server process %d: %w (see %s)", pid, err, filepath.Join(c.dir, StderrFileName))
	}

	if err := cmd.Process.Release(); err != nil {
		c.log.Debugf("error releasing process %d: %s", pid, err)
	}

	rec, err := ReadRecord(lockPath)
	if err != nil {
		c.log.Warnf("server signaled readiness but lock file is unreadable: %s", err)
	} else {
		c.log.Infof("server listening: %s", rec)
	}
	return pid, nil
}

// spawn starts the run-mode child in its own session, with stdin closed,
// stdout and stderr sent to log files, and the write end of the readiness pipe as fd 3.
func (c *Controller) spawn() (*exec.Cmd, *os.File, error) {
	stdout, err := os.OpenFile(filepath.Join(c.dir, StdoutFileName), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening server stdout log: %w", err)
	}
	defer stdout.Close()

	stderr, err := os.OpenFile(filepath.Join(c.dir, StderrFileName), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening server stderr log: %w", err)
	}
	defer stderr.Close()

	readyR, readyW, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating readiness pipe: %w", err)
	}
	// the child holds its own copy; ours must close so EOF is seen if the child dies
	defer readyW.Close()

	cmd := exec.Command(c.executable, c.args()...)
	cmd.Dir = c.dir
	cmd.Env = append(append([]string{}, c.env...), fmt.Sprintf("%s=%d", ReadyFDEnv, readyFD))
	cmd.Stdin = nil
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.ExtraFiles = []*os.File{readyW}
	cmd.SysProcAttr = detachedProcAttr()

	c.log.Debugw("spawning server", "Executable", c.executable, "Args", cmd.Args[1:])
	if err := cmd.Start(); err != nil {
		readyR.Close()
		return nil, nil, fmt.Errorf("spawning %q: %w", c.executable, err)
	}
	return cmd, readyR, nil
}

// Stop signals the recorded server and removes the lock record.
// A recorded process that is already gone only produces a warning.
func (c *Controller) Stop(ctx context.Context) (Record, error) {
	c.log.Info("stopping server process..")

	guard, err := AcquireGuard(ctx, c.dir)
	if err != nil {
		return Record{}, err
	}
	defer guard.Release()

	lockPath := c.LockPath()
	rec, err := ReadRecord(lockPath)
	if err != nil {
		return Record{}, err
	}

	if !ProcessAlive(rec.PID) {
		c.log.Warnf("process %d is not running, removing stale lock file", rec.PID)
	} else if err := terminate(rec.PID); err != nil {
		c.log.Warnf("unable to signal process %d: %s", rec.PID, err)
	} else {
		c.log.Infof("killed %d", rec.PID)
		if c.stopTimeout > 0 {
			if err := waitForExit(ctx, rec.PID, c.stopTimeout); err != nil {
				c.log.Warnf("waiting for process %d to exit: %s", rec.PID, err)
			}
		}
	}

	if err := RemoveRecord(lockPath); err != nil {
		return rec, err
	}
	c.log.Infof("removed lock file %s", lockPath)
	return rec, nil
}

// Status reads the lock record and reports whether its process is alive.
func (c *Controller) Status(ctx context.Context) (Record, bool, error) {
	rec, err := ReadRecord(c.LockPath())
	if err != nil {
		return Record{}, false, err
	}
	return rec, ProcessAlive(rec.PID), nil
}
