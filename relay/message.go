package relay

import "github.com/cyberinferno/go-relay/linebuf"

// FormatLine builds the wire form of a relayed line: "[label]: line\n".
//
// Parameters:
//   - label: The sender label, "ip:port" or ServerLabel
//   - line: The line content without terminator
//
// Returns:
//   - A newly allocated, terminated message
func FormatLine(label string, line []byte) []byte {
	msg := make([]byte, 0, len(label)+len(line)+5)
	msg = append(msg, '[')
	msg = append(msg, label...)
	msg = append(msg, "]: "...)
	msg = append(msg, line...)
	return append(msg, linebuf.Terminator)
}
