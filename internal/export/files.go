package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"path"
	"strconv"
	"strings"
	"time"

	"datacore/internal/blob"
	"datacore/internal/domain"
)

// FileNameLayout is the timestamp layout of export file names.
const FileNameLayout = "2006-01-02_15:04"

// DocumentsPrefix is the blob prefix export files are stored under.
const DocumentsPrefix = "documents"

// FileName returns "{name}-{YYYY-MM-DD_HH:MM}.{ext}".
func FileName(name string, t time.Time, format domain.ExportFormat) string {
	return fmt.Sprintf("%s-%s.%s", name, t.Format(FileNameLayout), format.Ext())
}

// DocumentKey returns the blob key of an export file.
func DocumentKey(fileName string) string {
	return path.Join(DocumentsPrefix, blob.Join(fileName))
}

// Persist writes data under documents/. Any failure is returned; a file
// that was not fully written is never reported as stored.
func Persist(ctx context.Context, blobs blob.Store, fileName string, data []byte, format domain.ExportFormat) (blob.Info, error) {
	key := DocumentKey(fileName)
	info, err := blobs.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{
		ContentType: format.ContentType(),
		Overwrite:   true,
	})
	if err != nil {
		return blob.Info{}, fmt.Errorf("persist %s: %w", key, err)
	}
	if info.Size != int64(len(data)) {
		return blob.Info{}, fmt.Errorf("persist %s: wrote %d of %d bytes", key, info.Size, len(data))
	}
	return info, nil
}

// Sizify renders a byte count as "12.5 Kb", "3.2 Mb" or "1.07 Gb".
func Sizify(n int64) string {
	v := float64(n)
	var unit string
	switch {
	case n < 512000:
		v, unit = v/1024, "Kb"
	case n < 4194304000:
		v, unit = v/1048576, "Mb"
	default:
		v, unit = v/1073741824, "Gb"
	}
	s := strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s + " " + unit
}

// ── Data dictionary ───────────────────────────────────────

var dictionaryHeader = []string{"Form Name", "Field Name", "Field Type", "Max Length", "Other Attributes"}

// DictionaryFileName names the data dictionary download of a model.
func DictionaryFileName(model string) string {
	return strings.ToLower(model) + "_data_dictionary.csv"
}

// DataDictionary writes one CSV row per field of schema.
func DataDictionary(w io.Writer, schema *domain.ModelSchema) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(dictionaryHeader); err != nil {
		return err
	}
	for _, f := range schema.Fields {
		maxLen := ""
		if f.MaxLength > 0 {
			maxLen = strconv.Itoa(f.MaxLength)
		}
		var attrs []string
		if f.Nullable {
			attrs = append(attrs, "blank=True", "null=True")
		}
		if f.Name == domain.RecordIDField {
			attrs = append(attrs, "unique=True")
		}
		row := []string{schema.Name, f.Name, string(f.Type), maxLen, strings.Join(attrs, ", ")}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
