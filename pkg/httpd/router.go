package httpd

import (
	"context"
	"errors"
	"strings"

	"github.com/raphaelreyna/minihttpd/pkg/cgi"
	"github.com/rs/zerolog"
)

type router struct {
	files   *fileServer
	scripts *cgi.Runner
	log     *zerolog.Logger
}

// route answers the request in buf with exactly one response. The returned
// error only reports a failure to write that response.
func (rt *router) route(ctx context.Context, resp *response, buf []byte) (*Request, error) {
	req, err := ParseRequest(buf)
	if err != nil {
		rt.log.Debug().Err(err).Msg("rejecting request")
		return nil, resp.sendError(StatusBadRequest)
	}

	switch {
	case req.Traversal():
		return req, resp.sendError(StatusTraversal)
	case !strings.HasPrefix(req.Resource, "/"):
		return req, resp.sendError(StatusBadRequest)
	case req.Method == "HEAD":
		return req, rt.files.serve(resp, req.FilePath(), false)
	case req.Method == "GET" && strings.HasPrefix(req.Resource, cgi.Prefix):
		return req, rt.runScript(ctx, resp, req)
	case req.Method == "GET":
		return req, rt.files.serve(resp, req.FilePath(), true)
	default:
		return req, resp.sendError(StatusNotRecognized)
	}
}

func (rt *router) runScript(ctx context.Context, resp *response, req *Request) error {
	path, query, hasQuery := req.Query()
	res, err := rt.scripts.Run(ctx, cgi.Job{Path: path, Arg: query, HasArg: hasQuery})
	switch {
	case errors.Is(err, cgi.ErrBadScriptPath):
		return resp.sendError(StatusBadScript)
	case err != nil:
		rt.log.Error().Err(err).Str("script", path).Msg("script failed")
		return resp.sendError(StatusServerError)
	}
	return resp.send(StatusOK, contentType, res.Output)
}
