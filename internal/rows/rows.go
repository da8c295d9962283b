// Package rows turns uploaded spreadsheets and delimited text files into
// ordered tables of string cells.
package rows

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/charmap"

	"site-proximity/internal/excel"
	"site-proximity/internal/models"
)

var ErrUnsupported = errors.New("unsupported file type")

// DefaultPlaceColumns are the headers searched, in order, for the free-text
// location of each row.
var DefaultPlaceColumns = []string{
	"Specific Area (location where they face service issues)",
	"Specific Area",
	"Area",
}

// DefaultPlaceIndex is the column used when none of the place headers exist.
const DefaultPlaceIndex = 2

type Table struct {
	Header   []string
	Rows     [][]string
	Encoding string
}

// Read loads path according to its extension.
func Read(path string) (Table, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		header, data, err := excel.ReadFirstSheet(path)
		if err != nil {
			return Table{}, err
		}
		return Table{Header: uniqueNames(header), Rows: data, Encoding: "xlsx"}, nil
	case ".csv", ".tsv", ".txt":
		f, err := os.Open(path)
		if err != nil {
			return Table{}, eris.Wrapf(err, "open %s", path)
		}
		defer f.Close()
		return ReadDelimited(f)
	default:
		return Table{}, eris.Wrapf(ErrUnsupported, "%s", filepath.Base(path))
	}
}

type textDecoder struct {
	name   string
	decode func([]byte) (string, error)
}

func decodeUTF8(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("invalid utf-8")
	}
	return string(data), nil
}

var decoders = []textDecoder{
	{name: "utf-8", decode: decodeUTF8},
	{name: "windows-1252", decode: func(b []byte) (string, error) { return charmap.Windows1252.NewDecoder().String(string(b)) }},
}

func decode(data []byte) (string, string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	for _, d := range decoders {
		if text, err := d.decode(data); err == nil {
			return text, d.name, nil
		}
	}
	return "", "", eris.New("unable to decode text with supported encodings")
}

// ReadDelimited parses delimited text with a header line. The delimiter is a
// tab when the header holds one, else a comma, else runs of whitespace.
func ReadDelimited(r io.Reader) (Table, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Table{}, eris.Wrap(err, "read upload")
	}
	text, enc, err := decode(raw)
	if err != nil {
		return Table{}, err
	}

	first := firstLine(text)
	var records [][]string
	switch {
	case strings.Contains(first, "\t"):
		records, err = readCSV(text, '\t')
	case strings.Contains(first, ","):
		records, err = readCSV(text, ',')
	default:
		records = readFields(text)
	}
	if err != nil {
		return Table{}, err
	}
	if len(records) == 0 {
		return Table{Encoding: enc}, nil
	}

	t := Table{Header: uniqueNames(records[0]), Encoding: enc}
	for _, rec := range records[1:] {
		if blank(rec) {
			continue
		}
		if len(rec) < len(t.Header) {
			padded := make([]string, len(t.Header))
			copy(padded, rec)
			rec = padded
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			return line
		}
	}
	return ""
}

func readCSV(text string, delim rune) ([][]string, error) {
	cr := csv.NewReader(strings.NewReader(text))
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "parse delimited text")
	}
	return records, nil
}

func readFields(text string) [][]string {
	var out [][]string
	for _, line := range strings.Split(text, "\n") {
		if f := strings.Fields(line); len(f) > 0 {
			out = append(out, f)
		}
	}
	return out
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// uniqueNames trims headers, names blank ones after their position and
// suffixes duplicates so every column keeps a distinct key.
func uniqueNames(columns []string) []string {
	result := make([]string, 0, len(columns))
	seen := map[string]int{}
	for i, raw := range columns {
		base := strings.TrimSpace(raw)
		if base == "" {
			base = fmt.Sprintf("column_%d", i+1)
		}
		seen[base]++
		if seen[base] == 1 {
			result = append(result, base)
		} else {
			result = append(result, fmt.Sprintf("%s_%d", base, seen[base]))
		}
	}
	return result
}

// Records converts the table rows into ordered records keyed by header.
// Cells beyond the header width are dropped.
func (t Table) Records() []models.Record {
	out := make([]models.Record, 0, len(t.Rows))
	for _, row := range t.Rows {
		r := models.NewRecord(len(t.Header))
		for i, h := range t.Header {
			v := ""
			if i < len(row) {
				v = strings.TrimSpace(row[i])
			}
			r.Set(h, v)
		}
		out = append(out, r)
	}
	return out
}

// PlaceColumn returns the header holding place names: the first of candidates
// present in the table, else the header at fallback. It returns "" when
// neither exists.
func (t Table) PlaceColumn(candidates []string, fallback int) string {
	for _, c := range candidates {
		for _, h := range t.Header {
			if strings.EqualFold(h, c) {
				return h
			}
		}
	}
	if fallback >= 0 && fallback < len(t.Header) {
		return t.Header[fallback]
	}
	return ""
}

// InputRows pairs every record with its place name.
func InputRows(t Table, candidates []string, fallback int) []models.InputRow {
	col := t.PlaceColumn(candidates, fallback)
	records := t.Records()
	out := make([]models.InputRow, len(records))
	for i, r := range records {
		out[i] = models.InputRow{PlaceName: r.String(col), Columns: r}
	}
	return out
}
