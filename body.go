package tlmx

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/palantir/stacktrace"
)

const maxChunkLine = 4096

// relayBody copies a message body from src to dst, preserving the wire
// framing byte for byte. Returns the number of body bytes moved.
func relayBody(src io.Reader, dst io.Writer, framing Framing, length int64) (int64, error) {
	switch framing {
	case FramingNone:
		return 0, nil
	case FramingLength:
		n, err := io.CopyN(dst, src, length)
		if err != nil {
			return n, stacktrace.PropagateWithCode(err, EcUpstreamIO, "body truncated at %d of %d bytes", n, length)
		}
		return n, nil
	case FramingChunked:
		return relayChunked(src, dst)
	default:
		// until-close: unbounded by design, relayed in fixed-size blocks
		n, err := io.CopyBuffer(dst, src, make([]byte, BLOCK_SIZE))
		return n, err // no wrap
	}
}

// discardBody consumes a body without forwarding it, e.g. the payload of
// an intermediate 407 that must be drained before the connection is reused.
func discardBody(src io.Reader, framing Framing, length int64) error {
	_, err := relayBody(src, io.Discard, framing, length)
	return err // no wrap
}

// relayChunked forwards a chunked body verbatim: size lines, data, CRLFs
// and the trailer section all pass through unmodified.
func relayChunked(src io.Reader, dst io.Writer) (int64, error) {
	var total int64
	for {
		line, err := readWireLine(src)
		if err != nil {
			return total, err // no wrap
		}
		if _, err := dst.Write(line); err != nil {
			return total, stacktrace.PropagateWithCode(err, EcClientIO, "write chunk size")
		}
		size, err := parseChunkSize(line)
		if err != nil {
			return total, err // no wrap
		}
		if size == 0 {
			// trailers, then the final blank line
			for {
				line, err := readWireLine(src)
				if err != nil {
					return total, err // no wrap
				}
				if _, err := dst.Write(line); err != nil {
					return total, stacktrace.PropagateWithCode(err, EcClientIO, "write trailer")
				}
				if len(bytes.TrimRight(line, "\r\n")) == 0 {
					return total, nil
				}
			}
		}
		n, err := io.CopyN(dst, src, size)
		total += n
		if err != nil {
			return total, stacktrace.PropagateWithCode(err, EcUpstreamIO, "chunk truncated at %d of %d bytes", n, size)
		}
		crlf, err := readWireLine(src)
		if err != nil {
			return total, err // no wrap
		}
		if _, err := dst.Write(crlf); err != nil {
			return total, stacktrace.PropagateWithCode(err, EcClientIO, "write chunk end")
		}
	}
}

// readWireLine reads a single line including its terminator, one byte at
// a time so nothing past the line is consumed from the stream.
func readWireLine(src io.Reader) ([]byte, error) {
	line := make([]byte, 0, 32)
	one := make([]byte, 1)
	for {
		n, err := src.Read(one)
		if n > 0 {
			line = append(line, one[0])
			if one[0] == '\n' {
				return line, nil
			}
			if len(line) > maxChunkLine {
				return nil, stacktrace.NewErrorWithCode(EcProtocol, "chunk line too long")
			}
			continue
		}
		if err != nil {
			return nil, stacktrace.PropagateWithCode(err, EcUpstreamIO, "connection closed inside chunked body")
		}
	}
}

func parseChunkSize(line []byte) (int64, error) {
	s := strings.TrimRight(string(line), "\r\n")
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i] // chunk extensions are ignored
	}
	size, err := strconv.ParseUint(strings.TrimSpace(s), 16, 63)
	if err != nil {
		return 0, stacktrace.PropagateWithCode(err, EcProtocol, "invalid chunk size %q", s)
	}
	return int64(size), nil
}
