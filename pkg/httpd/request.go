package httpd

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedRequest = errors.New("httpd: malformed request line")

// Request is the parsed request line. Headers and body are ignored.
type Request struct {
	Method   string
	Resource string
	Version  string
}

// ParseRequest reads the request line at the start of buf. It must hold at
// least three whitespace separated tokens; anything after the third is ignored.
func ParseRequest(buf []byte) (*Request, error) {
	line := buf
	if i := bytes.IndexByte(buf, '\n'); i >= 0 {
		line = buf[:i]
	}
	fields := strings.Fields(string(line))
	if len(fields) < 3 {
		return nil, fmt.Errorf("%w: %d tokens", ErrMalformedRequest, len(fields))
	}
	return &Request{Method: fields[0], Resource: fields[1], Version: fields[2]}, nil
}

// Traversal reports whether the resource tries to climb out of the root.
func (r *Request) Traversal() bool {
	return strings.Contains(r.Resource, "..")
}

// FilePath is the resource relative to the served root.
func (r *Request) FilePath() string {
	return strings.TrimPrefix(r.Resource, "/")
}

// Query splits the resource at the first '?'. The query is returned raw.
func (r *Request) Query() (path, query string, ok bool) {
	return strings.Cut(r.Resource, "?")
}
