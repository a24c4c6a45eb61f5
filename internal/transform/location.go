package transform

import "strings"

// SplitLocation breaks a combined "City, State, Country" value apart.
// Two parts are read as city and country, one part as country alone. When
// there are more than three parts the extras belong to the city.
func SplitLocation(s string) (city, state, country string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", ""
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	switch n := len(parts); n {
	case 1:
		return "", "", parts[0]
	case 2:
		return parts[0], "", parts[1]
	default:
		return strings.Join(parts[:n-2], ", "), parts[n-2], parts[n-1]
	}
}
