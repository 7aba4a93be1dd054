package pop3

import (
	"strings"
)

// dotStuff applies POP3 byte-stuffing: every line beginning with a dot gets
// one more dot prefixed. The terminating ".\r\n" is added by the caller.
func dotStuff(body string) string {
	if !strings.Contains(body, ".") {
		return body
	}

	var b strings.Builder
	b.Grow(len(body) + 16)
	start := 0
	for start <= len(body) {
		end := strings.IndexByte(body[start:], '\n')
		var line string
		if end < 0 {
			line = body[start:]
			start = len(body) + 1
		} else {
			line = body[start : start+end+1]
			start += end + 1
		}
		if strings.HasPrefix(line, ".") {
			b.WriteByte('.')
		}
		b.WriteString(line)
		if end < 0 {
			break
		}
	}
	return b.String()
}

// messageBody normalizes a message for the wire: dot-stuffed, ending in
// CRLF so the terminator sits on its own line.
func messageBody(data []byte) string {
	body := dotStuff(string(data))
	if !strings.HasSuffix(body, "\r\n") {
		body += "\r\n"
	}
	return body
}
