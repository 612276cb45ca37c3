package httpd

import (
	"io"
	"os"
	"path/filepath"
)

// BufferSize is both the most a request may be and the chunk size files are
// streamed in.
const BufferSize = 4096

// FileMetadata is what a request needs to know about a file. It is computed
// afresh for every request.
type FileMetadata struct {
	Exists   bool
	Regular  bool
	Readable bool
	Size     int64
}

// Stat describes path. Any failure to stat is reported as a missing file.
func Stat(path string) FileMetadata {
	info, err := os.Stat(path)
	if err != nil {
		return FileMetadata{}
	}
	md := FileMetadata{
		Exists:  true,
		Regular: info.Mode().IsRegular(),
		Size:    info.Size(),
	}
	md.Readable = md.Regular && readable(path)
	return md
}

type fileServer struct {
	root string
	// open defaults to os.Open.
	open func(name string) (*os.File, error)
}

func (fs *fileServer) openFile(path string) (*os.File, error) {
	if fs.open == nil {
		return os.Open(path)
	}
	return fs.open(path)
}

// serve answers with the file at rel, a path relative to the root. Without
// withBody only the headers go out and the file is never opened.
func (fs *fileServer) serve(resp *response, rel string, withBody bool) error {
	path := filepath.Join(fs.root, rel)
	md := Stat(path)
	switch {
	case !md.Exists:
		return resp.sendError(StatusNotFound)
	case !md.Regular || !md.Readable:
		return resp.sendError(StatusNotAccessible)
	}

	if !withBody {
		return resp.sendHeader(StatusOK, contentType, md.Size)
	}

	f, err := fs.openFile(path)
	if err != nil {
		return resp.sendError(StatusServerError)
	}
	defer f.Close()

	if err := resp.sendHeader(StatusOK, contentType, md.Size); err != nil {
		return err
	}
	// Hide the file's WriterTo so the body goes out in BufferSize chunks.
	_, err = io.CopyBuffer(resp, struct{ io.Reader }{f}, make([]byte, BufferSize))
	return err
}
