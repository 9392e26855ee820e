package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/tagstream/pkg/config"
	"github.com/nicktill/tagstream/pkg/logging"
	"github.com/nicktill/tagstream/pkg/query"
	"github.com/nicktill/tagstream/pkg/storage"
)

var now = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

// pagedHistory serves rows page by page the way query.Service does.
type pagedHistory struct {
	rows    []query.HistoryRow
	filters []query.HistoryFilter
	err     error
}

func (p *pagedHistory) GetHistoricalData(_ context.Context, f query.HistoryFilter) ([]query.HistoryRow, error) {
	p.filters = append(p.filters, f)
	if p.err != nil {
		return nil, p.err
	}
	from := (f.Page - 1) * f.PageSize
	if from >= len(p.rows) {
		return nil, nil
	}
	to := min(from+f.PageSize, len(p.rows))
	return p.rows[from:to], nil
}

func rows(n int) []query.HistoryRow {
	out := make([]query.HistoryRow, n)
	for i := range out {
		out[i] = query.HistoryRow{
			Device:    "plc-1",
			Tag:       "Temperature",
			Timestamp: now.Add(-time.Duration(i) * time.Second).UnixMilli(),
			Value:     20.5,
		}
	}
	return out
}

func newExporter(h History) *Exporter {
	e := NewExporter(h)
	e.now = func() time.Time { return now }
	return e
}

func TestToCSV(t *testing.T) {
	h := &pagedHistory{rows: []query.HistoryRow{
		{Device: "plc-1", Tag: "Temperature", Timestamp: now.UnixMilli(), Value: 21.25},
		{Device: "plc-1", Tag: "Pressure", Timestamp: now.Add(-time.Second).UnixMilli(), Value: 3, Quality: storage.Quality(1)},
	}}

	var buf bytes.Buffer
	res, err := newExporter(h).ToCSV(context.Background(), &buf, Options{DeviceRef: "plc-1", Start: 0, End: now.UnixMilli()})
	require.NoError(t, err)
	require.Equal(t, 2, res.RowsExported)
	require.Equal(t, FormatCSV, res.Format)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Equal(t, [][]string{
		{"timestamp", "device", "tag", "value", "quality"},
		{"2024-03-01T08:00:00Z", "plc-1", "Temperature", "21.25", "0"},
		{"2024-03-01T07:59:59Z", "plc-1", "Pressure", "3", "1"},
	}, records)

	require.Len(t, h.filters, 1)
	require.Equal(t, "plc-1", h.filters[0].DeviceRef)
	require.Equal(t, config.MaxPageSize, h.filters[0].PageSize)
}

func TestToJSONPagesThroughHistory(t *testing.T) {
	h := &pagedHistory{rows: rows(config.MaxPageSize + 7)}

	var buf bytes.Buffer
	res, err := newExporter(h).ToJSON(context.Background(), &buf, Options{Tag: "Temperature", End: now.UnixMilli()})
	require.NoError(t, err)
	require.Equal(t, config.MaxPageSize+7, res.RowsExported)
	require.Len(t, h.filters, 2)
	require.Equal(t, 2, h.filters[1].Page)

	var doc struct {
		Metadata Metadata           `json:"metadata"`
		Rows     []query.HistoryRow `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	require.Equal(t, "Temperature", doc.Metadata.Tag)
	require.Equal(t, "1.0", doc.Metadata.Version)
	require.Len(t, doc.Rows, config.MaxPageSize+7)
	require.Equal(t, h.rows[0], doc.Rows[0])
}

func TestToJSONEmpty(t *testing.T) {
	var buf bytes.Buffer
	res, err := newExporter(&pagedHistory{}).ToJSON(context.Background(), &buf, Options{End: now.UnixMilli()})
	require.NoError(t, err)
	require.Zero(t, res.RowsExported)
	require.Contains(t, buf.String(), `"rows":[]`)
}

func TestExportQueryError(t *testing.T) {
	h := &pagedHistory{err: query.ErrDeviceNotFound}
	_, err := newExporter(h).ToCSV(context.Background(), &bytes.Buffer{}, Options{DeviceRef: "ghost"})
	require.True(t, errors.Is(err, query.ErrDeviceNotFound))
}

func TestHandleExport(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		status      int
		contentType string
	}{
		{"default json", "/v1/export", http.StatusOK, "application/json"},
		{"csv", "/v1/export?format=csv&device=plc-1", http.StatusOK, "text/csv"},
		{"unknown format", "/v1/export?format=xml", http.StatusBadRequest, ""},
		{"start after end", "/v1/export?start=2024-03-01T09:00:00Z&end=2024-03-01T08:00:00Z", http.StatusBadRequest, ""},
		{"range too large", "/v1/export?start=2024-01-01T00:00:00Z&end=2024-03-01T00:00:00Z", http.StatusBadRequest, ""},
		{"bad time", "/v1/export?start=yesterday", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(&pagedHistory{rows: rows(3)}, logging.Discard())
			h.exporter.now = func() time.Time { return now }

			w := httptest.NewRecorder()
			h.HandleExport(w, httptest.NewRequest(http.MethodGet, tt.url, nil))
			require.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.contentType != "" {
				require.Equal(t, tt.contentType, w.Header().Get("Content-Type"))
				require.True(t, strings.HasPrefix(w.Header().Get("Content-Disposition"), "attachment; filename=tagstream-export-20240301-080000."))
			}
		})
	}
}

func TestHandleExportDefaultWindow(t *testing.T) {
	history := &pagedHistory{}
	h := NewHandler(history, nil)
	h.exporter.now = func() time.Time { return now }

	w := httptest.NewRecorder()
	h.HandleExport(w, httptest.NewRequest(http.MethodGet, "/v1/export", nil))
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, history.filters, 1)
	require.Equal(t, now.UnixMilli(), history.filters[0].End)
	require.Equal(t, now.Add(-DefaultExportWindow).UnixMilli(), history.filters[0].Start)
}
