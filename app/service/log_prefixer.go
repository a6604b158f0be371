package service

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

const prefixMaxLen = 16

// LogPrefixer is an io.Writer tagging each output line with the source
// name, so interleaved logs from concurrent syncs stay readable.
type LogPrefixer struct {
	writer io.Writer
	prefix []byte
}

// NewLogPrefixer makes a prefixer for the given source name, truncated
// to a fixed width.
func NewLogPrefixer(writer io.Writer, source string) *LogPrefixer {
	if len(source) > prefixMaxLen {
		source = source[:prefixMaxLen] + "..."
	}
	return &LogPrefixer{writer: writer, prefix: []byte(fmt.Sprintf("{%s} ", source))}
}

func (p *LogPrefixer) Write(data []byte) (int, error) {
	reader := bufio.NewReader(bytes.NewReader(data))
	written := 0
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return written, err
		}
		if len(line) > 0 {
			if _, e := p.writer.Write(p.prefix); e != nil {
				return written, e
			}
			n, e := p.writer.Write(line)
			written += n
			if e != nil {
				return written, e
			}
		}
		if err == io.EOF {
			return written, nil
		}
	}
}
