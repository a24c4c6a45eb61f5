package transform

import (
	"fmt"
	"strings"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/cdtdelta/m365ir/internal/model"
)

// DedupKey fingerprints a record by timestamp, actor, action and the export's
// own record id. The same event seen in two overlapping exports gets the same key.
func DedupKey(rec *model.SignIn) string {
	return HashParts(
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		strings.ToLower(rec.Actor()),
		rec.Action(),
		rec.SourceRecordID(),
	)
}

// HashParts returns the hex murmur3 128-bit hash of the parts joined with a
// unit separator.
func HashParts(parts ...string) string {
	h1, h2 := murmur3.Sum128([]byte(strings.Join(parts, "\x1f")))
	return fmt.Sprintf("%016x%016x", h1, h2)
}
