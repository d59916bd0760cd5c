package lifecycle

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"go.uber.org/zap"
)

const (
	// ReadyFDEnv names the inherited file descriptor a spawned server signals readiness on.
	ReadyFDEnv = "VTKHTTP_READY_FD"
	// ReadyMessage is the only readiness payload the controller acts on.
	ReadyMessage = "listening"

	// readyFD is the child's fd for the pipe, the first entry of ExtraFiles.
	readyFD = 3
)

var (
	// ErrNotReady is returned when the server goes away without signaling readiness.
	ErrNotReady = errors.New("server did not become ready")

	// ErrReadyTimeout is returned when the server does not signal readiness in time.
	ErrReadyTimeout = errors.New("timed out waiting for server readiness")
)

// NotifyReady sends the readiness message to the parent controller over the inherited pipe.
// It returns false if this process was not spawned by a controller; that is not an error.
// The descriptor is consumed, so only the first call signals.
func NotifyReady() (bool, error) {
	v, ok := os.LookupEnv(ReadyFDEnv)
	if !ok || v == "" {
		return false, nil
	}
	os.Unsetenv(ReadyFDEnv)

	fd, err := strconv.Atoi(v)
	if err != nil || fd < 0 {
		return false, fmt.Errorf("invalid %s value %q", ReadyFDEnv, v)
	}
	f := os.NewFile(uintptr(fd), "ready-pipe")
	if f == nil {
		return false, fmt.Errorf("invalid ready fd %d", fd)
	}
	defer f.Close()

	if _, err := io.WriteString(f, ReadyMessage+"\n"); err != nil {
		return true, fmt.Errorf("writing readiness message: %w", err)
	}
	return true, nil
}

// waitReady reads newline-delimited messages from r until the readiness message arrives.
// Other messages are logged and ignored. The caller must close r once this returns
// so the reader goroutine can exit.
func waitReady(ctx context.Context, r io.Reader, log *zap.SugaredLogger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case msgs <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		readErr <- err
	}()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrReadyTimeout
			}
			return ctx.Err()
		case msg := <-msgs:
			log.Infof("received message %q", msg)
			if msg == ReadyMessage {
				return nil
			}
		case err := <-readErr:
			return fmt.Errorf("%w: readiness pipe closed: %s", ErrNotReady, err)
		}
	}
}
