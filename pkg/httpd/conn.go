package httpd

import (
	"context"
	"net"
	"time"
)

// handleConn owns conn from accept to close. It reads the request once; a
// request longer than BufferSize is cut short.
func (s *Server) handleConn(ctx context.Context, id uint64, conn net.Conn) {
	defer s.untrackConn(conn)
	defer conn.Close()

	start := time.Now()
	log := s.log.With().Uint64("conn", id).Str("remote", conn.RemoteAddr().String()).Logger()
	log.Debug().Msg("accepted")

	if s.cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(start.Add(s.cfg.ReadTimeout))
	}
	buf := make([]byte, BufferSize)
	n, err := conn.Read(buf)
	if n <= 0 {
		log.Debug().Err(err).Msg("nothing received")
		return
	}

	resp := newResponse(conn, s.cfg.Style(), s.cfg.WriteTimeout)
	req, err := s.router.route(ctx, resp, buf[:n])

	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	if req != nil {
		ev = ev.Str("method", req.Method).Str("resource", req.Resource)
	}
	ev.Str("status", resp.status.Line(s.cfg.Style())).
		Int64("bytes", resp.written).
		Dur("duration", time.Since(start)).
		Msg("request")
}
