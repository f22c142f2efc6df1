package core

// parse.go reads uploaded files into a Table.
//
// Dispatch is by file extension only. A compression suffix (.gz, .zst, .xz,
// .bz2) is stripped first and the inner extension picks the reader:
//
//	.csv          comma separated
//	.tsv          tab separated
//	.txt          delimiter sniffed from the first line (tab, semicolon, comma)
//	.xlsx .xlsm   first worksheet
//
// Text input is decoded to UTF-8 before parsing: a UTF-8 BOM is stripped,
// UTF-16 input with a BOM is transcoded, and anything else that is not valid
// UTF-8 is read as Windows-1252 (the usual culprit for spreadsheet exports).

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultMaxRows bounds the in-memory row set when Parser.MaxRows is zero.
const DefaultMaxRows = 50000

// Parser converts uploaded bytes into a Table.
type Parser struct {
	// MaxRows is the maximum number of non-blank data rows (default DefaultMaxRows).
	MaxRows int

	// MaxBytes bounds the decompressed size; zero means unbounded.
	MaxBytes int64
}

// ParsedFile is the result of a successful parse.
type ParsedFile struct {
	Format string // e.g. "csv", "xlsx", "tsv+gzip"
	Table

	// OverflowRows lists, 1-based, the data rows that had non-empty cells
	// beyond the last header column. Those cells are not kept.
	OverflowRows []int
}

type compression string

const (
	compressionNone compression = ""
	compressionGZ   compression = "gzip"
	compressionZSTD compression = "zstd"
	compressionXZ   compression = "xz"
	compressionBZ2  compression = "bzip2"
)

var compressionSuffixes = map[string]compression{
	".gz":   compressionGZ,
	".gzip": compressionGZ,
	".zst":  compressionZSTD,
	".zstd": compressionZSTD,
	".xz":   compressionXZ,
	".bz2":  compressionBZ2,
}

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// SupportedExtensions lists the accepted inner file extensions.
var SupportedExtensions = []string{".csv", ".tsv", ".txt", ".xlsx", ".xlsm"}

// Parse reads data as the format named by fileName's extension.
// It fails with ErrUnsupportedFormat, ErrEmptyFile, ErrHeaderRowMissing or
// ErrTooManyRows.
func (p Parser) Parse(data []byte, fileName string) (*ParsedFile, error) {
	ext, comp := detectFormat(fileName)
	if !isSupportedExt(ext) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Base(fileName))
	}
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}

	data, err := p.decompress(data, comp)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyFile
	}

	var records [][]string
	switch ext {
	case ".xlsx", ".xlsm":
		records, err = readWorkbook(data)
	default:
		text := decodeText(data)
		if len(bytes.TrimSpace(text)) == 0 {
			return nil, ErrEmptyFile
		}
		records, err = readDelimited(text, delimiterFor(ext, text))
	}
	if err != nil {
		return nil, err
	}

	table, overflow, err := buildTable(records, p.maxRows())
	if err != nil {
		return nil, err
	}

	format := strings.TrimPrefix(ext, ".")
	if comp != compressionNone {
		format += "+" + string(comp)
	}
	return &ParsedFile{Format: format, Table: *table, OverflowRows: overflow}, nil
}

func (p Parser) maxRows() int {
	if p.MaxRows <= 0 {
		return DefaultMaxRows
	}
	return p.MaxRows
}

// detectFormat returns the lowercase inner extension and the compression
// wrapping it, if any.
func detectFormat(fileName string) (string, compression) {
	name := strings.ToLower(strings.TrimSpace(fileName))
	comp := compressionNone
	if c, ok := compressionSuffixes[filepath.Ext(name)]; ok {
		comp = c
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}
	return filepath.Ext(name), comp
}

func isSupportedExt(ext string) bool {
	for _, e := range SupportedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

func (p Parser) decompress(data []byte, comp compression) ([]byte, error) {
	if comp == compressionNone {
		return data, nil
	}

	var r io.Reader
	src := bytes.NewReader(data)
	switch comp {
	case compressionGZ:
		gz, err := gzip.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrUnsupportedFormat, err)
		}
		defer gz.Close()
		r = gz
	case compressionBZ2:
		r = bzip2.NewReader(src)
	case compressionXZ:
		xr, err := xz.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("%w: xz: %v", ErrUnsupportedFormat, err)
		}
		r = xr
	case compressionZSTD:
		dec, err := zstd.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrUnsupportedFormat, err)
		}
		defer dec.Close()
		r = dec
	}

	if p.MaxBytes > 0 {
		r = io.LimitReader(r, p.MaxBytes+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedFormat, comp, err)
	}
	if p.MaxBytes > 0 && int64(len(out)) > p.MaxBytes {
		return nil, fmt.Errorf("%w: decompressed size exceeds %d bytes", ErrFileTooLarge, p.MaxBytes)
	}
	return out, nil
}

// decodeText returns data as NFC-normalized UTF-8 without a BOM.
func decodeText(data []byte) []byte {
	switch {
	case bytes.HasPrefix(data, bomUTF8):
		data = data[len(bomUTF8):]
	case bytes.HasPrefix(data, bomUTF16LE), bytes.HasPrefix(data, bomUTF16BE):
		// UseBOM picks the byte order from the BOM and strips it.
		dec := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
		if out, _, err := transform.Bytes(dec, data); err == nil {
			data = out
		}
	}

	if !utf8.Valid(data) {
		if out, err := charmap.Windows1252.NewDecoder().Bytes(data); err == nil {
			data = out
		}
	}

	return norm.NFC.Bytes(data)
}

func delimiterFor(ext string, data []byte) rune {
	switch ext {
	case ".tsv":
		return '\t'
	case ".txt":
		line := data
		if i := bytes.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		best, bestCount := ',', 0
		for _, d := range []rune{'\t', ';', ','} {
			if n := bytes.Count(line, []byte(string(d))); n > bestCount {
				best, bestCount = d, n
			}
		}
		return best
	}
	return ','
}

func readDelimited(data []byte, comma rune) ([][]string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: malformed delimited text: %v", ErrUnsupportedFormat, err)
	}
	return records, nil
}

func readWorkbook(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: open workbook: %v", ErrUnsupportedFormat, err)
	}
	defer func() {
		_ = f.Close()
	}()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrHeaderRowMissing
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	return rows, nil
}

// buildTable locates the header row and normalizes the data rows beneath it.
// Rows are cut to the header width; the rows that lost a non-empty cell that
// way are returned as overflow.
func buildTable(records [][]string, maxRows int) (*Table, []int, error) {
	headerAt := -1
	for i, rec := range records {
		if !isBlankRow(rec) {
			headerAt = i
			break
		}
	}
	if headerAt < 0 {
		return nil, nil, ErrHeaderRowMissing
	}

	headers := normalizeHeaders(records[headerAt])
	width := len(headers)

	var rows [][]string
	var overflow []int
	for _, rec := range records[headerAt+1:] {
		if isBlankRow(rec) {
			continue
		}
		if len(rows) == maxRows {
			return nil, nil, fmt.Errorf("%w: more than %d data rows", ErrTooManyRows, maxRows)
		}
		row := make([]string, width)
		for j := 0; j < width && j < len(rec); j++ {
			row[j] = CleanCell(rec[j])
		}
		rows = append(rows, row)
		if len(rec) > width && !isBlankRow(rec[width:]) {
			overflow = append(overflow, len(rows))
		}
	}

	return &Table{Headers: headers, Rows: rows}, overflow, nil
}

// normalizeHeaders cleans header cells, drops trailing empty ones, names
// the remaining empty ones Column_N and suffixes repeats with their 1-based
// position ("Name", "Name_3").
func normalizeHeaders(raw []string) []string {
	cells := make([]string, len(raw))
	for i, c := range raw {
		cells[i] = collapseSpace(CleanCell(c))
	}
	for len(cells) > 0 && cells[len(cells)-1] == "" {
		cells = cells[:len(cells)-1]
	}

	headers := make([]string, len(cells))
	seen := make(map[string]bool, len(cells))
	for i, h := range cells {
		pos := strconv.Itoa(i + 1)
		if h == "" {
			h = "Column_" + pos
		}
		for seen[h] {
			h = h + "_" + pos
		}
		seen[h] = true
		headers[i] = h
	}
	return headers
}

func isBlankRow(rec []string) bool {
	for _, c := range rec {
		if CleanCell(c) != "" {
			return false
		}
	}
	return true
}
