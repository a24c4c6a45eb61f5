package schema

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/cdtdelta/m365ir/internal/model"
)

var (
	// ErrUnknownSchema means no registered fingerprint matched the header row.
	ErrUnknownSchema = errors.New("unsupported sign-in export format")

	// ErrAmbiguousSchema means several layouts share the matched fingerprint and
	// neither a hint nor the filename decided between them.
	ErrAmbiguousSchema = errors.New("ambiguous sign-in export format")
)

// Method records how a variant was chosen.
type Method string

const (
	MethodOverride Method = "override"
	MethodHeader   Method = "header"
	MethodFilename Method = "filename"

	// MethodContent is set by readers that can tell the layout from record
	// content, such as the sign-in event type in JSON exports.
	MethodContent Method = "content"
)

// Detection is the outcome of Detect.
type Detection struct {
	Variant    model.Variant
	Definition *Definition
	Method     Method
}

// Detect picks the layout for a header row. A non-unknown hint is taken as an
// explicit override and only checked for a usable timestamp column. Otherwise
// fingerprints are tested in priority order; when the first match is shared by
// several layouts the filename decides, and if it cannot, ErrAmbiguousSchema is
// returned rather than a guess.
func Detect(headers []string, filename string, hint model.Variant) (Detection, error) {
	present := headerSet(headers)

	if hint != model.VariantUnknown {
		def, ok := Lookup(hint)
		if !ok {
			return Detection{}, fmt.Errorf("%w: no definition for %s", ErrUnknownSchema, hint)
		}
		if !present[strings.ToLower(def.TimestampColumn())] {
			return Detection{}, fmt.Errorf("%w: %s requires column %q", ErrUnknownSchema, hint, def.TimestampColumn())
		}
		return Detection{Variant: hint, Definition: def, Method: MethodOverride}, nil
	}

	var candidates []*Definition
	for _, def := range registry {
		if len(candidates) > 0 {
			if sameFingerprint(candidates[0].Fingerprint, def.Fingerprint) {
				candidates = append(candidates, def)
			}
			continue
		}
		if matches(present, def.Fingerprint) {
			candidates = append(candidates, def)
		}
	}

	switch len(candidates) {
	case 0:
		return Detection{Variant: model.VariantUnknown}, ErrUnknownSchema
	case 1:
		return Detection{Variant: candidates[0].Variant, Definition: candidates[0], Method: MethodHeader}, nil
	}

	if def := byFilename(candidates, filename); def != nil {
		return Detection{Variant: def.Variant, Definition: def, Method: MethodFilename}, nil
	}

	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Variant.String()
	}
	return Detection{Variant: model.VariantUnknown}, fmt.Errorf(
		"%w: header matches %s; rename the file or pass an explicit schema",
		ErrAmbiguousSchema, strings.Join(names, " and "))
}

// byFilename returns the candidate whose longest filename token appears in the
// file's base name. Tokens are compared with punctuation removed, so
// "NonInteractive", "non-interactive" and "non_interactive" are equivalent.
func byFilename(candidates []*Definition, filename string) *Definition {
	base := squash(filepath.Base(filename))
	if base == "" {
		return nil
	}

	var best *Definition
	bestLen := 0
	tie := false
	for _, def := range candidates {
		for _, tok := range def.FilenameTokens {
			tok = squash(tok)
			if !strings.Contains(base, tok) {
				continue
			}
			switch {
			case len(tok) > bestLen:
				best, bestLen, tie = def, len(tok), false
			case len(tok) == bestLen && best != def:
				tie = true
			}
		}
	}
	if tie {
		return nil
	}
	return best
}

func squash(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func headerSet(headers []string) map[string]bool {
	set := make(map[string]bool, len(headers))
	for _, h := range headers {
		set[strings.ToLower(NormalizeHeader(h))] = true
	}
	return set
}

func matches(present map[string]bool, fingerprint []string) bool {
	for _, col := range fingerprint {
		if !present[strings.ToLower(col)] {
			return false
		}
	}
	return true
}

func sameFingerprint(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
