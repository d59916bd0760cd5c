package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	vnet "github.com/guseggert/vtkhttp/internal/net"
	"github.com/guseggert/vtkhttp/lifecycle"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func startServer(t *testing.T, opts ...Option) (*Server, int) {
	t.Helper()
	s, err := New(t.TempDir(), append([]Option{WithListenAddr("127.0.0.1:0")}, opts...)...)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	t.Cleanup(func() {
		assert.NoError(t, s.Stop())
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
		}
	})

	select {
	case <-s.Ready():
	case err := <-errCh:
		t.Fatalf("server exited before becoming ready: %s", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server to become ready")
	}
	return s, s.Addr().(*net.TCPAddr).Port
}

func TestLockRecordWrittenOnBind(t *testing.T) {
	s, port := startServer(t)

	rec, err := lifecycle.ReadRecord(s.LockPath())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), rec.PID)
	assert.Equal(t, port, rec.Port)
	assert.Equal(t, "127.0.0.1", rec.Address)
	assert.Equal(t, "IPv4", rec.Family)
}

func TestDump(t *testing.T) {
	_, port := startServer(t)
	client, err := NewClient("127.0.0.1", port)
	require.NoError(t, err)

	binary := make([]byte, 1<<20)
	for i := range binary {
		binary[i] = byte(i * 7)
	}

	cases := []struct {
		name string
		body []byte
	}{
		{name: "text", body: []byte("hello")},
		{name: "empty", body: []byte{}},
		{name: "binary", body: binary},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			dest := filepath.Join(t.TempDir(), "out.bin")
			err := client.Dump(context.Background(), dest, bytes.NewReader(c.body))
			require.NoError(t, err)

			b, err := os.ReadFile(dest)
			require.NoError(t, err)
			assert.Equal(t, c.body, b)
		})
	}
}

func TestDumpOverwritesExistingFile(t *testing.T) {
	_, port := startServer(t)

	dest := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, os.WriteFile(dest, []byte("a much longer previous content"), 0644))

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/dump?file=%s", port, dest), "text/plain", strings.NewReader("new"))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))

	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "new", string(b))
}

func TestConcurrentDumps(t *testing.T) {
	s, port := startServer(t)
	client, err := NewClient("127.0.0.1", port)
	require.NoError(t, err)

	dir := t.TempDir()
	group, groupCtx := errgroup.WithContext(context.Background())
	for i := 0; i < 20; i++ {
		i := i
		group.Go(func() error {
			dest := filepath.Join(dir, strconv.Itoa(i))
			return client.Dump(groupCtx, dest, strings.NewReader(strings.Repeat(strconv.Itoa(i), 1000)))
		})
	}
	require.NoError(t, group.Wait())

	for i := 0; i < 20; i++ {
		b, err := os.ReadFile(filepath.Join(dir, strconv.Itoa(i)))
		require.NoError(t, err)
		assert.Equal(t, strings.Repeat(strconv.Itoa(i), 1000), string(b))
	}
	assert.Equal(t, float64(20), testutil.ToFloat64(s.metrics.requests.WithLabelValues("200")))
	assert.Equal(t, float64(0), testutil.ToFloat64(s.metrics.inFlight))
}

func TestMalformedRequests(t *testing.T) {
	_, port := startServer(t)
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	dest := filepath.Join(t.TempDir(), "never")

	cases := []struct {
		name      string
		method    string
		path      string
		expCode   int
		expBody   string
		expNoFile bool
	}{
		{
			name:      "GET dump",
			method:    http.MethodGet,
			path:      "/dump?file=" + dest,
			expCode:   http.StatusForbidden,
			expNoFile: true,
		},
		{
			name:      "PUT dump",
			method:    http.MethodPut,
			path:      "/dump?file=" + dest,
			expCode:   http.StatusForbidden,
			expNoFile: true,
		},
		{
			name:      "POST dump without file",
			method:    http.MethodPost,
			path:      "/dump",
			expCode:   http.StatusBadRequest,
			expBody:   invalidQueryMessage,
			expNoFile: true,
		},
		{
			name:      "POST dump with trailing slash",
			method:    http.MethodPost,
			path:      "/dump/?file=" + dest,
			expCode:   http.StatusForbidden,
			expNoFile: true,
		},
		{
			name:    "POST other path",
			method:  http.MethodPost,
			path:    "/upload?file=" + dest,
			expCode: http.StatusForbidden,
		},
		{
			name:    "GET root",
			method:  http.MethodGet,
			path:    "/",
			expCode: http.StatusForbidden,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req, err := http.NewRequest(c.method, baseURL+c.path, strings.NewReader("body"))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			b, err := io.ReadAll(resp.Body)
			require.NoError(t, err)

			assert.Equal(t, c.expCode, resp.StatusCode)
			if c.expBody != "" {
				assert.Equal(t, c.expBody, string(b))
			}
			if c.expNoFile {
				assert.NoFileExists(t, dest)
			}
		})
	}
}

func TestDumpWriteFailure(t *testing.T) {
	_, port := startServer(t)
	client, err := NewClient("127.0.0.1", port)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "missing-dir", "out.bin")
	err = client.Dump(context.Background(), dest, strings.NewReader("hello"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "non-200 HTTP status code 500")
	assert.ErrorContains(t, err, "Internal server error PathError")
	assert.NoFileExists(t, dest)
}

func TestBindRetriesWhileAddressInUse(t *testing.T) {
	occupier, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := occupier.Addr().String()

	s, err := New(t.TempDir(), WithListenAddr(addr), WithBindRetryInterval(20*time.Millisecond))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	t.Cleanup(func() { s.Stop() })

	select {
	case <-s.Ready():
		t.Fatal("server became ready while its address was in use")
	case err := <-errCh:
		t.Fatalf("server exited while its address was in use: %s", err)
	case <-time.After(300 * time.Millisecond):
	}
	assert.NoFileExists(t, s.LockPath())
	assert.Greater(t, testutil.ToFloat64(s.metrics.bindRetries), float64(0))

	require.NoError(t, occupier.Close())

	select {
	case <-s.Ready():
	case err := <-errCh:
		t.Fatalf("server exited: %s", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not bind after the address was freed")
	}
	assert.FileExists(t, s.LockPath())
	assert.Equal(t, addr, s.Addr().String())
}

func TestFatalBindFailure(t *testing.T) {
	s, err := New(t.TempDir(), WithListenAddr("127.0.0.1:99999"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = s.Run(ctx)
	require.Error(t, err)
	assert.ErrorContains(t, err, "listening on 127.0.0.1:99999")
	assert.NoFileExists(t, s.LockPath())
}

func TestRunStopsWithContext(t *testing.T) {
	s, err := New(t.TempDir(), WithListenAddr("127.0.0.1:0"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	<-s.Ready()
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after context cancellation")
	}
	// the lock record belongs to the controller once written
	assert.FileExists(t, s.LockPath())
}

func TestMetricsListener(t *testing.T) {
	metricsPort, err := vnet.GetEphemeralTCPPort()
	require.NoError(t, err)
	metricsAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(metricsPort))

	_, port := startServer(t, WithMetricsListenAddr(metricsAddr))
	client, err := NewClient("127.0.0.1", port)
	require.NoError(t, err)
	require.NoError(t, client.Dump(context.Background(), filepath.Join(t.TempDir(), "m"), strings.NewReader("12345")))

	resp, err := http.Get("http://" + metricsAddr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(b), `vtkhttp_requests_total{code="200"} 1`)
	assert.Contains(t, string(b), "vtkhttp_dump_bytes_total 5")

	// metrics are never served on the dump listener
	resp2, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", port))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp2.StatusCode)
}

func TestErrorKind(t *testing.T) {
	_, err := os.Open(filepath.Join(t.TempDir(), "nope"))
	assert.Equal(t, "PathError", errorKind(err))
	assert.Equal(t, "errorString", errorKind(io.ErrShortWrite))
}

func TestClientWaitForServer(t *testing.T) {
	_, port := startServer(t)
	client, err := NewClient("127.0.0.1", port, WithClientWaitInterval(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.WaitForServer(ctx))

	freePort, err := vnet.GetEphemeralTCPPort()
	require.NoError(t, err)
	absent, err := NewClient("127.0.0.1", freePort,
		WithClientWaitInterval(10*time.Millisecond),
		WithCustomizeRetryableClient(func(r *retryablehttp.Client) { r.RetryMax = 0 }),
	)
	require.NoError(t, err)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel2()
	assert.ErrorIs(t, absent.WaitForServer(ctx2), context.DeadlineExceeded)
}
