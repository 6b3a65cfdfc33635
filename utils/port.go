// Package utils provides small helpers shared by the command-line programs.
package utils

import (
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidPort is returned for a port outside 1-65535 or not a number.
var ErrInvalidPort = errors.New("invalid port")

// ParsePort parses a TCP port number.
//
// Parameters:
//   - s: The decimal port, surrounding spaces allowed
//
// Returns:
//   - The port in the range 1-65535
//   - ErrInvalidPort otherwise
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || port < 1 || port > 65535 {
		return 0, ErrInvalidPort
	}

	return port, nil
}

// FirstNonEmpty returns the first non-empty value, or "" if there is none.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}
