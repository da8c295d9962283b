package excel

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/xuri/excelize/v2"

	"site-proximity/internal/models"
)

// ParseCoord reads a coordinate cell. Decimal commas are accepted.
func ParseCoord(val string) (float64, error) {
	val = strings.TrimSpace(strings.ReplaceAll(val, ",", "."))
	if val == "" {
		return 0, fmt.Errorf("empty")
	}
	return strconv.ParseFloat(val, 64)
}

func OpenFile(filename string) (*excelize.File, error) {
	return excelize.OpenFile(filename)
}

// ReadFirstSheet returns the header row and the data rows of the first sheet.
// Data rows are padded to the header width.
func ReadFirstSheet(path string) ([]string, [][]string, error) {
	f, err := OpenFile(path)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	return ReadSheet(f, f.GetSheetName(0))
}

func ReadSheet(f *excelize.File, sheetName string) ([]string, [][]string, error) {
	rows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "read sheet %q", sheetName)
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}

	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = strings.TrimSpace(h)
	}

	var data [][]string
	for _, row := range rows[1:] {
		if blank(row) {
			continue
		}
		if len(row) < len(header) {
			padded := make([]string, len(header))
			copy(padded, row)
			row = padded
		}
		data = append(data, row)
	}
	return header, data, nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// Header is the union of the record keys in first-seen order.
func Header(records []models.Record) []string {
	seen := make(map[string]bool)
	var header []string
	for _, r := range records {
		for _, k := range r.Keys() {
			if !seen[k] {
				seen[k] = true
				header = append(header, k)
			}
		}
	}
	return header
}

// WriteRecords saves records as a single-sheet workbook at path.
func WriteRecords(path, sheetName string, records []models.Record) error {
	f, err := build(sheetName, records)
	if err != nil {
		return err
	}
	defer f.Close()
	return eris.Wrapf(f.SaveAs(path), "save %s", path)
}

// WriteRecordsTo streams the workbook to w.
func WriteRecordsTo(w io.Writer, sheetName string, records []models.Record) error {
	f, err := build(sheetName, records)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteTo(w)
	return eris.Wrap(err, "write workbook")
}

func build(sheetName string, records []models.Record) (*excelize.File, error) {
	f := excelize.NewFile()
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, eris.Wrapf(err, "new sheet %q", sheetName)
	}

	// Use Stream Writer for performance
	sw, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return nil, eris.Wrap(err, "stream writer")
	}

	header := Header(records)
	cells := make([]interface{}, len(header))
	for i, h := range header {
		cells[i] = h
	}
	if err := sw.SetRow("A1", cells); err != nil {
		return nil, eris.Wrap(err, "write header")
	}

	for i, r := range records {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := make([]interface{}, len(header))
		for j, h := range header {
			if v, ok := r.Get(h); ok {
				row[j] = v
			}
		}
		if err := sw.SetRow(cell, row); err != nil {
			return nil, eris.Wrapf(err, "write row %d", i+2)
		}
	}

	if err := sw.Flush(); err != nil {
		return nil, eris.Wrap(err, "flush")
	}

	f.SetActiveSheet(index)
	if sheetName != "Sheet1" {
		f.DeleteSheet("Sheet1")
	}
	return f, nil
}
