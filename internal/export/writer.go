package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"datacore/internal/coerce"
	"datacore/internal/domain"
)

// maxSheetName is the longest sheet name a workbook accepts.
const maxSheetName = 31

// Cell renders one value the way both writers print it.
func Cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 {
			return x.Format(coerce.DateLayout)
		}
		return x.Format(coerce.DatetimeLayout)
	case decimal.Decimal:
		return x.String()
	case bool:
		if x {
			return "True"
		}
		return "False"
	default:
		return fmt.Sprint(v)
	}
}

// WriteCSV writes t as comma-delimited UTF-8 with a header row.
func WriteCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	line := make([]string, len(t.Header))
	for _, row := range t.Rows {
		for i, h := range t.Header {
			line[i] = Cell(row[h])
		}
		if err := cw.Write(line); err != nil {
			return fmt.Errorf("write row %v: %w", row[domain.RecordIDField], err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteXLSX writes t as a single-sheet workbook. Rows are streamed so large
// exports do not hold every cell object in memory.
func WriteXLSX(w io.Writer, t *Table, sheetName string) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := SheetName(sheetName)
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return fmt.Errorf("xlsx sheet: %w", err)
	}
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("xlsx stream: %w", err)
	}

	header := make([]any, len(t.Header))
	for i, h := range t.Header {
		header[i] = h
	}
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("xlsx header: %w", err)
	}

	values := make([]any, len(t.Header))
	for r, row := range t.Rows {
		for i, h := range t.Header {
			values[i] = xlsxValue(row[h])
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, values); err != nil {
			return fmt.Errorf("xlsx row %d: %w", r+2, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("xlsx flush: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

// Serialize renders t in format and returns the file bytes.
func Serialize(t *Table, format domain.ExportFormat, name string) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case domain.FormatCSV:
		err = WriteCSV(&buf, t)
	case domain.FormatXLSX:
		err = WriteXLSX(&buf, t, name)
	default:
		err = fmt.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SheetName strips characters a sheet name cannot hold and truncates it.
func SheetName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case ':', '\\', '/', '?', '*', '[', ']':
			return '_'
		}
		return r
	}, strings.Trim(strings.TrimSpace(name), "'"))
	if name == "" {
		return "Export"
	}
	if utf8.RuneCountInString(name) > maxSheetName {
		name = string([]rune(name)[:maxSheetName])
	}
	return name
}

func xlsxValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case int64, bool:
		return x
	default:
		return Cell(v)
	}
}
