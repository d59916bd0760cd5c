package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	vnet "github.com/guseggert/vtkhttp/internal/net"
)

const (
	// LockFileName is the name of the lock record inside the working directory.
	LockFileName = "vtkhttp.lock"
	// StdoutFileName and StderrFileName capture the detached server's output streams.
	StdoutFileName = "server.out"
	StderrFileName = "server.err"

	removeRetries       = 10
	removeRetryInterval = 100 * time.Millisecond
)

var (
	// ErrAlreadyRunning is returned by Start when a lock record already exists.
	ErrAlreadyRunning = errors.New("server already running")

	// ErrNotRunning is returned when there is no lock record to act on.
	ErrNotRunning = errors.New("server not running")

	// ErrCorruptRecord is returned when the lock record exists but cannot be used.
	ErrCorruptRecord = errors.New("lock file is corrupt")
)

// Record is the lock record a server writes once its listener is bound.
// Its existence means a server is believed to be running in that directory.
type Record struct {
	Address string `json:"address"`
	Family  string `json:"family"`
	Port    int    `json:"port"`
	PID     int    `json:"pid"`
}

// NewRecord builds a record for a bound TCP listener address owned by pid.
func NewRecord(addr net.Addr, pid int) (Record, error) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return Record{}, fmt.Errorf("unsupported listener address type %T", addr)
	}
	return Record{
		Address: tcpAddr.IP.String(),
		Family:  vnet.AddrFamily(tcpAddr.IP),
		Port:    tcpAddr.Port,
		PID:     pid,
	}, nil
}

func (r Record) String() string {
	return fmt.Sprintf("pid=%d addr=%s", r.PID, net.JoinHostPort(r.Address, fmt.Sprint(r.Port)))
}

// LockPath returns the lock record path for a working directory.
func LockPath(dir string) string {
	return filepath.Join(dir, LockFileName)
}

// RecordExists reports whether a lock record is present at path.
func RecordExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking lock file %q: %w", path, err)
}

// ReadRecord reads and validates the lock record at path.
// A missing file yields ErrNotRunning, an unusable one ErrCorruptRecord.
func ReadRecord(path string) (Record, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, fmt.Errorf("%w: lock file %q does not exist", ErrNotRunning, path)
		}
		return Record{}, fmt.Errorf("reading lock file %q: %w", path, err)
	}

	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: parsing %q: %s", ErrCorruptRecord, path, err)
	}
	// pid 0 or negative would signal a whole process group
	if rec.PID <= 0 {
		return Record{}, fmt.Errorf("%w: %q has invalid pid %d", ErrCorruptRecord, path, rec.PID)
	}
	return rec, nil
}

// WriteRecord replaces the lock record at path with rec.
// The record is written to a temp file in the same directory and renamed into place,
// so readers never observe a partial record.
func WriteRecord(path string, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling lock record: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temp lock file: %w", err)
	}
	tmpPath := f.Name()
	defer os.Remove(tmpPath)

	if _, err := f.Write(b); err != nil {
		f.Close()
		return fmt.Errorf("writing temp lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing temp lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp lock file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("setting lock file mode: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming lock file into place: %w", err)
	}
	return nil
}

// RemoveRecord deletes the lock record at path, retrying transient failures.
// A record that is already gone counts as removed.
func RemoveRecord(path string) error {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(removeRetryInterval), removeRetries)
	err := backoff.Retry(func() error {
		err := os.Remove(path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}, b)
	if err != nil {
		return fmt.Errorf("removing lock file %q: %w", path, err)
	}
	return nil
}
