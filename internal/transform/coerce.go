package transform

import (
	"fmt"
	"strconv"
	"strings"
)

var boolValues = map[string]bool{
	"true": true, "yes": true, "y": true, "1": true, "success": true,
	"false": false, "no": false, "n": false, "0": false, "failure": false,
}

// ParseBool normalizes the flag spellings found in exports. Empty is false.
func ParseBool(s string) (bool, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return false, nil
	}
	v, ok := boolValues[s]
	if !ok {
		return false, fmt.Errorf("not a boolean")
	}
	return v, nil
}

// ParseInt parses an integer column. Empty is zero.
func ParseInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not an integer")
	}
	return n, nil
}

// ParseLatency accepts "123" and "123 ms".
func ParseLatency(s string) (int64, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "ms"))
	return ParseInt(s)
}

// ParseStatus returns the lower-cased status text and whether the sign-in
// succeeded. An empty status falls back to the error code.
func ParseStatus(s string, errorCode int64) (string, bool, error) {
	status := strings.ToLower(strings.TrimSpace(s))
	switch status {
	case "":
		if errorCode == 0 {
			return "success", true, nil
		}
		return "failure", false, nil
	case "interrupted":
		return status, false, nil
	}
	ok, err := ParseBool(status)
	if err != nil {
		return "", false, fmt.Errorf("unrecognized status")
	}
	if ok {
		return "success", true, nil
	}
	return "failure", false, nil
}
