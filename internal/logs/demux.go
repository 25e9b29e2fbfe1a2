package logs

import (
	"errors"
	"io"
	"strings"
)

// Source identifies which channel of the multiplexed stream a line came from.
const (
	SourceStdout  = "stdout"
	SourceStderr  = "stderr"
	SourceUnknown = "unknown"
	SourceRaw     = "raw"
)

// Record is one demultiplexed log line, newline-stripped.
type Record struct {
	Source string
	Line   string
}

const chunkSize = 32 << 10

// Demux consumes the combined stdout/stderr stream and emits one Record per
// line. Docker prefixes each frame with an 8-byte header when the container
// has no TTY: byte 0 is the stream tag, bytes 1-3 are reserved zeros, bytes
// 4-7 declare a payload length. Payloads are delimited by the read boundary
// rather than the declared length; chunks that don't look framed fall back to
// a single raw record. Returns nil on clean upstream EOF, the read error
// otherwise. The sequence never restarts itself.
func Demux(r io.Reader, emit func(Record)) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			emitChunk(buf[:n], emit)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func emitChunk(chunk []byte, emit func(Record)) {
	if len(chunk) < 8 || !isFramed(chunk) {
		if line := strings.TrimSpace(string(chunk)); line != "" {
			emit(Record{Source: SourceRaw, Line: line})
		}
		return
	}
	source := SourceUnknown
	switch chunk[0] {
	case 1:
		source = SourceStdout
	case 2:
		source = SourceStderr
	}
	for _, line := range strings.Split(string(chunk[8:]), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		emit(Record{Source: source, Line: line})
	}
}

func isFramed(chunk []byte) bool {
	return chunk[1] == 0 && chunk[2] == 0 && chunk[3] == 0
}
