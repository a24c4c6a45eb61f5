package model

// RawRow is one data row read from an export before transformation.
type RawRow struct {
	// Number is the 1-based data row number (the header row is not counted).
	Number int

	// Values is keyed by normalized column header.
	Values map[string]string

	// Raw is the row as it appeared in the file, kept for the rejected-row log.
	Raw string
}
