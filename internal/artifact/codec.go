// Package artifact stores the parsed rows of import sessions on scratch
// storage, either a local directory or an S3 bucket.
//
// Artifacts are encoded as zstd-compressed CSV with the header row first,
// so an operator can inspect one with standard tools.
package artifact

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/JonMunkholm/equipimport/internal/core"
)

// Extension is appended to every artifact key on storage.
const Extension = ".csv.zst"

// Encode writes t to w.
func Encode(w io.Writer, t *core.Table) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}

	cw := csv.NewWriter(zw)
	if err := cw.Write(t.Headers); err != nil {
		zw.Close()
		return fmt.Errorf("write header: %w", err)
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		zw.Close()
		return fmt.Errorf("write rows: %w", err)
	}

	return zw.Close()
}

// Decode reads a table written by Encode.
func Decode(r io.Reader) (*core.Table, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	cr := csv.NewReader(zr)
	cr.FieldsPerRecord = -1

	headers, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("artifact has no header row")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	t := &core.Table{Headers: headers, Rows: [][]string{}}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", len(t.Rows)+1, err)
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}
