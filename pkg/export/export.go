package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nicktill/tagstream/pkg/config"
	"github.com/nicktill/tagstream/pkg/query"
)

// Supported formats
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// History is the read side the exporter pages through
type History interface {
	GetHistoricalData(ctx context.Context, f query.HistoryFilter) ([]query.HistoryRow, error)
}

// Exporter writes raw history to JSON or CSV.
type Exporter struct {
	history History
	now     func() time.Time
}

// NewExporter creates a new exporter
func NewExporter(history History) *Exporter {
	return &Exporter{history: history, now: time.Now}
}

// Options configures the export operation
type Options struct {
	DeviceRef string
	Tag       string

	// Time range in unix millis, Start inclusive, End exclusive
	Start int64
	End   int64
}

// Result contains stats about the export
type Result struct {
	RowsExported int       `json:"rows_exported"`
	TimeRange    string    `json:"time_range"`
	Format       string    `json:"format"`
	ExportedAt   time.Time `json:"exported_at"`
}

// Metadata heads a JSON export.
type Metadata struct {
	ExportedAt time.Time `json:"exported_at"`
	Device     string    `json:"device,omitempty"`
	Tag        string    `json:"tag,omitempty"`
	Start      int64     `json:"start"`
	End        int64     `json:"end"`
	Version    string    `json:"version"`
}

// ToJSON writes {"metadata": ..., "rows": [...]}. Rows are streamed one
// page at a time, newest first.
func (e *Exporter) ToJSON(ctx context.Context, w io.Writer, opts Options) (*Result, error) {
	meta := Metadata{
		ExportedAt: e.now().UTC(),
		Device:     opts.DeviceRef,
		Tag:        opts.Tag,
		Start:      opts.Start,
		End:        opts.End,
		Version:    "1.0",
	}
	head, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if _, err := fmt.Fprintf(w, `{"metadata":%s,"rows":[`, head); err != nil {
		return nil, err
	}

	n := 0
	err = e.pages(ctx, opts, func(rows []query.HistoryRow) error {
		for _, row := range rows {
			b, err := json.Marshal(row)
			if err != nil {
				return err
			}
			if n > 0 {
				if _, err := io.WriteString(w, ","); err != nil {
					return err
				}
			}
			if _, err := w.Write(b); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, "]}\n"); err != nil {
		return nil, err
	}
	return e.result(opts, FormatJSON, n, meta.ExportedAt), nil
}

// ToCSV writes one row per sample: timestamp, device, tag, value, quality.
func (e *Exporter) ToCSV(ctx context.Context, w io.Writer, opts Options) (*Result, error) {
	exportedAt := e.now().UTC()
	writer := csv.NewWriter(w)

	if err := writer.Write([]string{"timestamp", "device", "tag", "value", "quality"}); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	n := 0
	err := e.pages(ctx, opts, func(rows []query.HistoryRow) error {
		for _, row := range rows {
			record := []string{
				time.UnixMilli(row.Timestamp).UTC().Format(time.RFC3339Nano),
				row.Device,
				row.Tag,
				strconv.FormatFloat(row.Value, 'f', -1, 64),
				strconv.Itoa(int(row.Quality)),
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("failed to write CSV row: %w", err)
			}
			n++
		}
		writer.Flush()
		return writer.Error()
	})
	if err != nil {
		return nil, err
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return e.result(opts, FormatCSV, n, exportedAt), nil
}

// pages calls fn with successive full pages until the history runs out.
func (e *Exporter) pages(ctx context.Context, opts Options, fn func([]query.HistoryRow) error) error {
	f := query.HistoryFilter{
		DeviceRef: opts.DeviceRef,
		Tag:       opts.Tag,
		Start:     opts.Start,
		End:       opts.End,
		PageSize:  config.MaxPageSize,
	}
	for page := 1; ; page++ {
		f.Page = page
		rows, err := e.history.GetHistoricalData(ctx, f)
		if err != nil {
			return fmt.Errorf("failed to query history: %w", err)
		}
		if err := fn(rows); err != nil {
			return err
		}
		if len(rows) < f.PageSize {
			return nil
		}
	}
}

func (e *Exporter) result(opts Options, format string, n int, at time.Time) *Result {
	return &Result{
		RowsExported: n,
		TimeRange: fmt.Sprintf("%s to %s",
			time.UnixMilli(opts.Start).UTC().Format(time.RFC3339),
			time.UnixMilli(opts.End).UTC().Format(time.RFC3339)),
		Format:     format,
		ExportedAt: at,
	}
}
