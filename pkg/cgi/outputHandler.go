package cgi

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// OutputHandler drains a running script's stdout and returns what it read.
// By the time OutputHandler is called the script has been started; it is
// waited on right after OutputHandler returns, and killed first if
// OutputHandler returns an error.
type OutputHandler func(stdoutRead io.Reader) ([]byte, error)

// ReadAll keeps the entire output of the script in memory.
var ReadAll OutputHandler = func(stdoutRead io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(bufio.NewReaderSize(stdoutRead, 4096)); err != nil {
		return buf.Bytes(), fmt.Errorf("cgi: read output: %w", err)
	}
	return buf.Bytes(), nil
}

// LimitOutput is like ReadAll but gives up with ErrOutputTooLarge once the
// script has written more than max bytes. A max of zero or less means ReadAll.
func LimitOutput(max int64) OutputHandler {
	if max <= 0 {
		return ReadAll
	}
	return func(stdoutRead io.Reader) ([]byte, error) {
		out, err := ReadAll(io.LimitReader(stdoutRead, max+1))
		if err != nil {
			return out, err
		}
		if int64(len(out)) > max {
			return out[:max], fmt.Errorf("%w: more than %d bytes", ErrOutputTooLarge, max)
		}
		return out, nil
	}
}
