package httpd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// newTestServer serves a fresh temporary root with a few files and scripts.
func newTestServer(t *testing.T, mutate func(*Config)) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"index.html":     "Hello World",
		"sub/page.html":  "<p>nested</p>",
		"cgi-like/plain": "not run for HEAD",
	}
	for name, body := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	scripts := map[string]string{
		"echo":  `printf '%s' "$1"`,
		"hello": `printf 'from script\n'`,
		"slow":  `sleep 10`,
	}
	for name, body := range scripts {
		path := filepath.Join(root, "cgi-like", name)
		if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	cfg := DefaultConfig()
	cfg.Root = root
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return s, root
}

// roundTrip pushes raw through handleConn over an in-memory pipe and returns
// everything written back before the connection closed.
func roundTrip(t *testing.T, s *Server, raw string) string {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	if !s.trackConn(serverConn) {
		t.Fatal("server refused connection")
	}
	go s.handleConn(context.Background(), 1, serverConn)

	clientConn.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := clientConn.Write([]byte(raw)); err != nil {
		t.Fatalf("Failed to write request: %v", err)
	}
	got, err := io.ReadAll(clientConn)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return string(got)
}

func htmlResponse(status, body string) string {
	return "HTTP/1.0 " + status + "\r\nContent-Type: text/html\r\nContent-Length: " +
		strconv.Itoa(len(body)) + "\r\n\r\n" + body
}

func TestHandleConnection(t *testing.T) {
	s, _ := newTestServer(t, nil)

	testCases := []struct {
		name    string
		request string
		want    string
	}{
		{
			"GET static file",
			"GET /index.html HTTP/1.0\r\n\r\n",
			"HTTP/1.0 200 OK\r\nContent-Type: text/html\r\nContent-Length: 11\r\n\r\nHello World",
		},
		{
			"GET nested file",
			"GET /sub/page.html HTTP/1.0\r\n\r\n",
			htmlResponse("200 OK", "<p>nested</p>"),
		},
		{
			"HEAD sends headers only",
			"HEAD /index.html HTTP/1.0\r\n\r\n",
			"HTTP/1.0 200 OK\r\nContent-Type: text/html\r\nContent-Length: 11\r\n\r\n",
		},
		{
			"HEAD under the script prefix stats the file",
			"HEAD /cgi-like/plain HTTP/1.0\r\n\r\n",
			"HTTP/1.0 200 OK\r\nContent-Type: text/html\r\nContent-Length: 16\r\n\r\n",
		},
		{
			"Missing file",
			"GET /nope.html HTTP/1.0\r\n\r\n",
			htmlResponse("File Not Found", "<html><body>404 Not Found</body></html>"),
		},
		{
			"Query string is part of a static path",
			"GET /index.html?x=1 HTTP/1.0\r\n\r\n",
			htmlResponse("File Not Found", "<html><body>404 Not Found</body></html>"),
		},
		{
			"Directory",
			"GET /sub HTTP/1.0\r\n\r\n",
			htmlResponse("File Not Accessible", "<html><body>File Not Accessible</body></html>"),
		},
		{
			"Traversal to an existing file",
			"GET /sub/../index.html HTTP/1.0\r\n\r\n",
			htmlResponse("Unable to Process", "<html><body>Unable to Process</body></html>"),
		},
		{
			"Traversal is checked before the method",
			"POST /../x HTTP/1.0\r\n\r\n",
			htmlResponse("Unable to Process", "<html><body>Unable to Process</body></html>"),
		},
		{
			"Traversal in a script query",
			"GET /cgi-like/echo?.. HTTP/1.0\r\n\r\n",
			htmlResponse("Unable to Process", "<html><body>Unable to Process</body></html>"),
		},
		{
			"Unsupported method",
			"POST /index.html HTTP/1.0\r\n\r\n",
			htmlResponse("Not Recognized", "<html><body>Not Recognized</body></html>"),
		},
		{
			"Malformed request line",
			"GET\r\n\r\n",
			htmlResponse("Bad Request", "<html><body>Bad Request</body></html>"),
		},
		{
			"Tokens after the version are ignored",
			"GET /index.html HTTP/1.0 extra\r\n\r\n",
			htmlResponse("200 OK", "Hello World"),
		},
		{
			"Resource without leading slash",
			"GET index.html HTTP/1.0\r\n\r\n",
			htmlResponse("Bad Request", "<html><body>Bad Request</body></html>"),
		},
		{
			"Script output is the body",
			"GET /cgi-like/hello HTTP/1.0\r\n\r\n",
			htmlResponse("200 OK", "from script\n"),
		},
		{
			"Script argument is not decoded",
			"GET /cgi-like/echo?a%20b&c=d HTTP/1.0\r\n\r\n",
			htmlResponse("200 OK", "a%20b&c=d"),
		},
		{
			"Missing script",
			"GET /cgi-like/missing HTTP/1.0\r\n\r\n",
			htmlResponse("Server Error", "<html><body>Server Error</body></html>"),
		},
		{
			"Script prefix is case sensitive",
			"GET /cgi-Like/echo?x HTTP/1.0\r\n\r\n",
			htmlResponse("File Not Found", "<html><body>404 Not Found</body></html>"),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := roundTrip(t, s, tc.request); got != tc.want {
				t.Errorf("response mismatch\n got: %q\nwant: %q", got, tc.want)
			}
		})
	}
}

func TestHandleConnectionNumericStatus(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *Config) { cfg.NumericStatus = true })

	got := roundTrip(t, s, "GET /nope HTTP/1.0\r\n\r\n")
	if want := htmlResponse("404 Not Found", "<html><body>404 Not Found</body></html>"); got != want {
		t.Errorf("response mismatch\n got: %q\nwant: %q", got, want)
	}
	got = roundTrip(t, s, "DELETE /index.html HTTP/1.0\r\n\r\n")
	if !strings.HasPrefix(got, "HTTP/1.0 405 Method Not Allowed\r\n") {
		t.Errorf("unexpected status line in %q", got)
	}
}

func TestHandleConnectionLargeFile(t *testing.T) {
	s, root := newTestServer(t, nil)
	body := strings.Repeat("0123456789abcdef", 3*BufferSize/16+7)
	if err := os.WriteFile(filepath.Join(root, "big.html"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	got := roundTrip(t, s, "GET /big.html HTTP/1.0\r\n\r\n")
	if want := htmlResponse("200 OK", body); got != want {
		t.Errorf("large file mangled: got %d bytes, want %d", len(got), len(want))
	}
}

func TestHandleConnectionUnreadable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can read any file")
	}
	s, root := newTestServer(t, nil)
	if err := os.WriteFile(filepath.Join(root, "secret.html"), []byte("x"), 0o000); err != nil {
		t.Fatal(err)
	}

	got := roundTrip(t, s, "GET /secret.html HTTP/1.0\r\n\r\n")
	if want := htmlResponse("File Not Accessible", "<html><body>File Not Accessible</body></html>"); got != want {
		t.Errorf("response mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestHandleConnectionOpenFailure(t *testing.T) {
	s, _ := newTestServer(t, nil)
	opened := 0
	s.router.files.open = func(string) (*os.File, error) {
		opened++
		return nil, errors.New("too many open files")
	}

	got := roundTrip(t, s, "GET /index.html HTTP/1.0\r\n\r\n")
	if want := htmlResponse("Server Error", "<html><body>Server Error</body></html>"); got != want {
		t.Errorf("response mismatch\n got: %q\nwant: %q", got, want)
	}
	if opened != 1 {
		t.Errorf("GET opened the file %d times, want 1", opened)
	}

	opened = 0
	got = roundTrip(t, s, "HEAD /index.html HTTP/1.0\r\n\r\n")
	if want := "HTTP/1.0 200 OK\r\nContent-Type: text/html\r\nContent-Length: 11\r\n\r\n"; got != want {
		t.Errorf("response mismatch\n got: %q\nwant: %q", got, want)
	}
	if opened != 0 {
		t.Errorf("HEAD opened the file %d times", opened)
	}
}

func TestHandleConnectionLogsAccept(t *testing.T) {
	s, _ := newTestServer(t, nil)
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	s.log = &logger

	roundTrip(t, s, "GET /index.html HTTP/1.0\r\n\r\n")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected an accept and a request line, got %q", buf.String())
	}
	for _, want := range []string{`"level":"debug"`, `"conn":1`, `"message":"accepted"`} {
		if !strings.Contains(lines[0], want) {
			t.Errorf("first log line %q is missing %s", lines[0], want)
		}
	}
	if !strings.Contains(lines[len(lines)-1], `"message":"request"`) {
		t.Errorf("last log line %q is not the access line", lines[len(lines)-1])
	}
}

func TestHandleConnectionScriptTimeout(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *Config) { cfg.ScriptTimeout = 100 * time.Millisecond })

	got := roundTrip(t, s, "GET /cgi-like/slow HTTP/1.0\r\n\r\n")
	if want := htmlResponse("Server Error", "<html><body>Server Error</body></html>"); got != want {
		t.Errorf("response mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestHandleConnectionEmptyReceive(t *testing.T) {
	s, _ := newTestServer(t, nil)
	clientConn, serverConn := net.Pipe()
	s.trackConn(serverConn)

	done := make(chan struct{})
	go func() {
		s.handleConn(context.Background(), 1, serverConn)
		close(done)
	}()
	clientConn.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after the client went away")
	}
}

func TestNoTempFilesLeft(t *testing.T) {
	s, _ := newTestServer(t, nil)
	before, _ := filepath.Glob(filepath.Join(os.TempDir(), "cgi_output_*"))

	roundTrip(t, s, "GET /cgi-like/hello HTTP/1.0\r\n\r\n")
	roundTrip(t, s, "GET /cgi-like/missing HTTP/1.0\r\n\r\n")

	after, _ := filepath.Glob(filepath.Join(os.TempDir(), "cgi_output_*"))
	if len(after) > len(before) {
		t.Errorf("script runs left output files behind: %v", after)
	}
}
