package httpd

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"time"
)

const contentType = "text/html"

// response writes HTTP/1.0 responses to one connection and remembers what it
// sent for the access log.
type response struct {
	w            io.Writer
	style        StatusStyle
	writeTimeout time.Duration

	status  Status
	sent    bool
	written int64
}

func newResponse(w io.Writer, style StatusStyle, writeTimeout time.Duration) *response {
	return &response{w: w, style: style, writeTimeout: writeTimeout}
}

func appendHeader(b *bytes.Buffer, style StatusStyle, st Status, ctype string, length int64) {
	fmt.Fprintf(b, "HTTP/1.0 %s\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n",
		st.Line(style), ctype, length)
}

// send transmits the status line, headers and body in a single write.
func (r *response) send(st Status, ctype string, body []byte) error {
	var b bytes.Buffer
	appendHeader(&b, r.style, st, ctype, int64(len(body)))
	b.Write(body)
	r.status = st
	_, err := r.Write(b.Bytes())
	return err
}

// sendError answers with st and its canned HTML body.
func (r *response) sendError(st Status) error {
	return r.send(st, contentType, st.Body())
}

// sendHeader transmits only the header block. The caller streams the body, if
// any, through Write.
func (r *response) sendHeader(st Status, ctype string, length int64) error {
	var b bytes.Buffer
	appendHeader(&b, r.style, st, ctype, length)
	r.status = st
	_, err := r.Write(b.Bytes())
	return err
}

func (r *response) Write(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		if c, ok := r.w.(net.Conn); ok && r.writeTimeout > 0 {
			c.SetWriteDeadline(time.Now().Add(r.writeTimeout))
		}
	}
	n, err := r.w.Write(p)
	r.written += int64(n)
	return n, err
}
