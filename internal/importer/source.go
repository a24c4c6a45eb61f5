package importer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cdtdelta/m365ir/internal/csvparser"
	"github.com/cdtdelta/m365ir/internal/jsonlparser"
	"github.com/cdtdelta/m365ir/internal/model"
	"github.com/cdtdelta/m365ir/internal/schema"
)

// source is a stream of raw rows keyed by normalized header.
type source interface {
	Header() []string
	Next() (*model.RawRow, error)
	Close() error
}

// hinter is implemented by readers that can tell the layout from record content.
type hinter interface {
	Hint() model.Variant
}

// openSource picks a reader by file extension. Anything that is not JSON is
// read as CSV.
func openSource(path string) (source, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonl", ".ndjson":
		r, err := jsonlparser.Open(path)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	r, err := csvparser.Open(path)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// detect runs the schema detector over src. A content hint from the reader is
// used only when the header alone is ambiguous.
func detect(src source, path string, override model.Variant) (schema.Detection, error) {
	det, err := schema.Detect(src.Header(), path, override)
	if err == nil || !errors.Is(err, schema.ErrAmbiguousSchema) {
		return det, err
	}
	h, ok := src.(hinter)
	if !ok || h.Hint() == model.VariantUnknown {
		return det, err
	}
	det, herr := schema.Detect(src.Header(), path, h.Hint())
	if herr != nil {
		return det, err
	}
	det.Method = schema.MethodContent
	return det, nil
}

// DetectFile reports which layout path would be imported as, without
// importing it. Errors are *FileError.
func DetectFile(path string, override model.Variant) (schema.Detection, error) {
	src, err := openSource(path)
	if err != nil {
		return schema.Detection{}, &FileError{Path: path, Code: readCode(err), Err: err}
	}
	defer src.Close()

	det, err := detect(src, path, override)
	if err != nil {
		return det, &FileError{Path: path, Code: readCode(err), Err: err}
	}
	return det, nil
}

// fingerprintFile returns the size and hex SHA-256 of the file at path.
func fingerprintFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", fmt.Errorf("hashing file: %w", err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
