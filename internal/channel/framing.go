package channel

import (
	"bytes"
	"strings"
)

// frameEnd returns the offset of a ready marker that ends buf, or -1.
// The marker must open a line: it follows a newline, or it is the very
// first output (which a truncated buffer can no longer prove).
func frameEnd(buf, marker []byte, truncated bool) int {
	if len(marker) == 0 || !bytes.HasSuffix(buf, marker) {
		return -1
	}
	idx := len(buf) - len(marker)
	if idx == 0 {
		if truncated {
			return -1
		}
		return 0
	}
	if buf[idx-1] != '\n' {
		return -1
	}
	return idx
}

// cleanResponse decodes a framed response. It drops the line break that
// precedes the marker and, with echoStrip, a first line equal to sent.
func cleanResponse(raw []byte, sent string, echoStrip bool) string {
	raw = bytes.TrimSuffix(raw, []byte("\n"))
	raw = bytes.TrimSuffix(raw, []byte("\r"))
	text := strings.ToValidUTF8(string(raw), "\uFFFD")

	if !echoStrip {
		return text
	}
	first, rest, found := strings.Cut(text, "\n")
	if strings.TrimSuffix(first, "\r") != sent {
		return text
	}
	if !found {
		return ""
	}
	return rest
}
