package importer

import (
	"errors"
	"fmt"

	"github.com/cdtdelta/m365ir/internal/csvparser"
	"github.com/cdtdelta/m365ir/internal/jsonlparser"
	"github.com/cdtdelta/m365ir/internal/schema"
)

// ErrorCode classifies a file-level failure. The value is stored on the
// import run.
type ErrorCode string

const (
	CodeUnreadable        ErrorCode = "unreadable"
	CodeUnsupportedFormat ErrorCode = "unsupported_format"
	CodeAmbiguousFormat   ErrorCode = "ambiguous_format"
	CodeStorage           ErrorCode = "storage"
)

// FileError aborts the import of one file. Other files in the same
// invocation are still processed.
type FileError struct {
	Path string
	Code ErrorCode
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Path, e.Code, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// readCode maps an error from opening or reading a source onto a code.
func readCode(err error) ErrorCode {
	switch {
	case errors.Is(err, schema.ErrAmbiguousSchema):
		return CodeAmbiguousFormat
	case errors.Is(err, schema.ErrUnknownSchema),
		errors.Is(err, csvparser.ErrNoHeader),
		errors.Is(err, jsonlparser.ErrNotJSON),
		errors.Is(err, jsonlparser.ErrNoRecords):
		return CodeUnsupportedFormat
	}
	return CodeUnreadable
}
