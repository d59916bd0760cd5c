package server

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

const invalidQueryMessage = `Invalid query for /dump, expects /dump?file="/path/to/filename.ext"`

// dump streams the request body into the file named by the "file" query parameter.
// The response is written exactly once, after the file is closed, so a 200 means the write completed.
// Concurrent dumps to the same path are not coordinated; the last writer wins.
func (s *Server) dump(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	log := s.dumpLog.With("RequestID", uuid.NewString())
	log.Debugf("%s %s", r.Method, r.URL)

	files, ok := r.URL.Query()["file"]
	if !ok || len(files) == 0 {
		log.Debugf("missing file query parameter")
		s.respond(w, http.StatusBadRequest, invalidQueryMessage)
		return
	}
	path := files[0]

	s.metrics.inFlight.Inc()
	defer s.metrics.inFlight.Dec()

	n, err := writeFile(path, r.Body)
	s.metrics.bytes.Add(float64(n))
	if err != nil {
		log.Warnf("dump to %q failed after %s: %s", path, humanize.Bytes(uint64(n)), err)
		s.respond(w, http.StatusInternalServerError, fmt.Sprintf("Internal server error %s, %s", errorKind(err), err))
		return
	}

	log.Infof("dumped %s to %q", humanize.Bytes(uint64(n)), path)
	s.respond(w, http.StatusOK, "OK")
}

// writeFile creates or truncates path and copies body into it as it arrives.
func writeFile(path string, body io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, body)
	if err != nil {
		f.Close()
		return n, err
	}
	return n, f.Close()
}

// errorKind names the concrete error type, e.g. "PathError" for *fs.PathError.
func errorKind(err error) string {
	kind := fmt.Sprintf("%T", err)
	if i := strings.LastIndex(kind, "."); i >= 0 {
		kind = kind[i+1:]
	}
	return strings.TrimPrefix(kind, "*")
}

func (s *Server) forbidden(w http.ResponseWriter, r *http.Request) {
	s.logger.Debugf("forbidden request %s %s", r.Method, r.URL)
	s.metrics.requests.WithLabelValues(strconv.Itoa(http.StatusForbidden)).Inc()
	w.WriteHeader(http.StatusForbidden)
}

func (s *Server) recoverPanic(w http.ResponseWriter, r *http.Request, v interface{}) {
	s.logger.Errorf("panic handling %s %s: %v", r.Method, r.URL, v)
	s.respond(w, http.StatusInternalServerError, fmt.Sprintf("Internal server error %v", v))
}

func (s *Server) respond(w http.ResponseWriter, code int, body string) {
	s.metrics.requests.WithLabelValues(strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(code)
	_, err := io.WriteString(w, body)
	if err != nil {
		s.logger.Debugf("error writing response: %s", err)
	}
}
