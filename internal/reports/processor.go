package reports

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"

	"lobkit/pkg/domain"
)

// MIME types of the built-in processors.
const (
	MimeJSON = "application/json"
	MimeCSV  = "text/csv"
	MimeHTML = "text/html"
	MimeYAML = "application/x-yaml"
	MimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Processor renders a dataset into one output format.
type Processor interface {
	MimeType() string
	// Extension is the file extension without the dot.
	Extension() string
	Render(w io.Writer, ds Dataset) error
}

// Processors maps MIME types to processors.
type Processors struct {
	byMime map[string]Processor
}

// NewProcessors indexes ps by MIME type. Two processors for the same type
// are a configuration error.
func NewProcessors(ps ...Processor) (*Processors, error) {
	out := &Processors{byMime: make(map[string]Processor, len(ps))}
	for _, p := range ps {
		if p == nil {
			return nil, &domain.ConfigError{Op: "report processors", Reason: "nil processor"}
		}
		if _, dup := out.byMime[p.MimeType()]; dup {
			return nil, &domain.ConfigError{Op: "report processors", Entity: p.MimeType(), Reason: "processor already registered"}
		}
		out.byMime[p.MimeType()] = p
	}
	return out, nil
}

// DefaultProcessors returns every built-in processor.
func DefaultProcessors() *Processors {
	p, err := NewProcessors(JSONProcessor{}, CSVProcessor{}, HTMLProcessor{}, YAMLProcessor{}, XLSXProcessor{})
	if err != nil {
		panic(err)
	}
	return p
}

// Lookup returns the processor for mime.
func (p *Processors) Lookup(mime string) (Processor, error) {
	proc, ok := p.byMime[mime]
	if !ok {
		return nil, &domain.UnsupportedError{Op: "render report", Entity: mime}
	}
	return proc, nil
}

// Resolve accepts either a MIME type or a file extension such as "csv".
func (p *Processors) Resolve(format string) (Processor, error) {
	if proc, ok := p.byMime[format]; ok {
		return proc, nil
	}
	ext := strings.TrimPrefix(strings.ToLower(format), ".")
	for _, proc := range p.byMime {
		if proc.Extension() == ext {
			return proc, nil
		}
	}
	return nil, &domain.UnsupportedError{Op: "render report", Entity: format}
}

// MimeTypes lists the registered MIME types in order.
func (p *Processors) MimeTypes() []string {
	out := make([]string, 0, len(p.byMime))
	for m := range p.byMime {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Render renders ds with the processor registered for mime.
func (p *Processors) Render(mime string, ds Dataset) ([]byte, error) {
	proc, err := p.Lookup(mime)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := proc.Render(&buf, ds); err != nil {
		return nil, fmt.Errorf("render %s: %w", mime, err)
	}
	return buf.Bytes(), nil
}

// JSONProcessor writes the dataset as a single JSON document.
type JSONProcessor struct{}

func (JSONProcessor) MimeType() string  { return MimeJSON }
func (JSONProcessor) Extension() string { return "json" }

func (JSONProcessor) Render(w io.Writer, ds Dataset) error {
	return json.NewEncoder(w).Encode(ds)
}

// CSVProcessor writes a header row of column titles followed by one record
// per row.
type CSVProcessor struct{}

func (CSVProcessor) MimeType() string  { return MimeCSV }
func (CSVProcessor) Extension() string { return "csv" }

func (CSVProcessor) Render(w io.Writer, ds Dataset) error {
	cw := csv.NewWriter(w)
	header := make([]string, len(ds.Columns))
	for i, c := range ds.Columns {
		header[i] = c.label()
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, row := range ds.Rows {
		record := make([]string, len(ds.Columns))
		for i, c := range ds.Columns {
			record[i] = formatValue(row[c.Name])
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

var htmlReport = template.Must(template.New("report").Funcs(template.FuncMap{
	"cell": func(row Row, c Column) string { return formatValue(row[c.Name]) },
}).Parse(`<!DOCTYPE html><html><head><meta charset="utf-8"><title>{{.Title}}</title></head><body>` +
	`<h1>{{.Title}}</h1><table><thead><tr>{{range .Columns}}<th>{{.Title}}</th>{{end}}</tr></thead><tbody>` +
	`{{range .Rows}}{{$row := .}}<tr>{{range $.Columns}}<td>{{cell $row .}}</td>{{end}}</tr>{{end}}` +
	`</tbody></table></body></html>`))

// HTMLProcessor writes a standalone HTML table.
type HTMLProcessor struct{}

func (HTMLProcessor) MimeType() string  { return MimeHTML }
func (HTMLProcessor) Extension() string { return "html" }

func (HTMLProcessor) Render(w io.Writer, ds Dataset) error {
	cols := make([]Column, len(ds.Columns))
	for i, c := range ds.Columns {
		cols[i] = Column{Name: c.Name, Title: c.label()}
	}
	return htmlReport.Execute(w, struct {
		Title   string
		Columns []Column
		Rows    []Row
	}{Title: ds.Title, Columns: cols, Rows: ds.Rows})
}

// YAMLProcessor writes the dataset as YAML with rows as ordered sequences.
type YAMLProcessor struct{}

func (YAMLProcessor) MimeType() string  { return MimeYAML }
func (YAMLProcessor) Extension() string { return "yaml" }

func (YAMLProcessor) Render(w io.Writer, ds Dataset) error {
	doc := struct {
		Title   string     `yaml:"title"`
		Columns []Column   `yaml:"columns"`
		Rows    [][]string `yaml:"rows"`
	}{Title: ds.Title, Columns: ds.Columns, Rows: make([][]string, 0, len(ds.Rows))}
	for _, row := range ds.Rows {
		values := make([]string, len(ds.Columns))
		for i, c := range ds.Columns {
			values[i] = formatValue(row[c.Name])
		}
		doc.Rows = append(doc.Rows, values)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

// XLSXProcessor writes a single-sheet workbook with a header row.
type XLSXProcessor struct{}

func (XLSXProcessor) MimeType() string  { return MimeXLSX }
func (XLSXProcessor) Extension() string { return "xlsx" }

func (XLSXProcessor) Render(w io.Writer, ds Dataset) error {
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	header := make([]any, len(ds.Columns))
	for i, c := range ds.Columns {
		header[i] = c.label()
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	for r, row := range ds.Rows {
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		values := make([]any, len(ds.Columns))
		for i, c := range ds.Columns {
			values[i] = cellValue(row[c.Name])
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return err
		}
	}
	_, err := f.WriteTo(w)
	return err
}

// cellValue keeps numbers and booleans native for spreadsheets and formats
// everything else as text.
func cellValue(v any) any {
	switch v.(type) {
	case nil:
		return ""
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, bool:
		return v
	default:
		return formatValue(v)
	}
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case *string:
		if v == nil {
			return ""
		}
		return *v
	case *time.Time:
		if v == nil {
			return ""
		}
		return v.UTC().Format(time.RFC3339)
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return v.String()
	case float32:
		return fmt.Sprintf("%g", v)
	case float64:
		return fmt.Sprintf("%g", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		return fmt.Sprint(v)
	}
}
