package httpd

import (
	"fmt"
	"net/http"
)

// StatusStyle selects how status lines are written.
type StatusStyle int

const (
	// LegacyStatus writes the bare phrases older clients of this server
	// expect, e.g. "HTTP/1.0 File Not Found".
	LegacyStatus StatusStyle = iota
	// NumericStatus writes standard status lines, e.g. "HTTP/1.0 404 Not Found".
	NumericStatus
)

func (s StatusStyle) String() string {
	if s == NumericStatus {
		return "numeric"
	}
	return "legacy"
}

// Status is one of the fixed outcomes a request can have.
type Status struct {
	Phrase string
	Code   int
	body   string
}

var (
	StatusOK            = Status{Phrase: "200 OK", Code: http.StatusOK}
	StatusNotFound      = Status{Phrase: "File Not Found", Code: http.StatusNotFound, body: "404 Not Found"}
	StatusNotAccessible = Status{Phrase: "File Not Accessible", Code: http.StatusForbidden}
	StatusServerError   = Status{Phrase: "Server Error", Code: http.StatusInternalServerError}
	StatusTraversal     = Status{Phrase: "Unable to Process", Code: http.StatusBadRequest}
	StatusBadScript     = Status{Phrase: "Unable to Process Request", Code: http.StatusForbidden}
	StatusNotRecognized = Status{Phrase: "Not Recognized", Code: http.StatusMethodNotAllowed}
	StatusBadRequest    = Status{Phrase: "Bad Request", Code: http.StatusBadRequest}
)

// Line is the text following "HTTP/1.0 " on the status line.
func (s Status) Line(style StatusStyle) string {
	if style == NumericStatus {
		return fmt.Sprintf("%d %s", s.Code, http.StatusText(s.Code))
	}
	return s.Phrase
}

// Body is the small HTML document sent along with an error status.
func (s Status) Body() []byte {
	text := s.body
	if text == "" {
		text = s.Phrase
	}
	return []byte("<html><body>" + text + "</body></html>")
}
