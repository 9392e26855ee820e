package export

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nicktill/tagstream/pkg/httpx"
	"github.com/nicktill/tagstream/pkg/logging"
	"github.com/nicktill/tagstream/pkg/query"
)

const (
	// DefaultExportWindow is the default time range for exports (last 24 hours)
	DefaultExportWindow = 24 * time.Hour

	// MaxExportWindow is the maximum allowed export time range (30 days)
	MaxExportWindow = 30 * 24 * time.Hour
)

// Handler serves GET /v1/export
type Handler struct {
	exporter *Exporter
	logger   *slog.Logger
}

func NewHandler(history History, logger *slog.Logger) *Handler {
	return &Handler{exporter: NewExporter(history), logger: logging.OrDiscard(logger)}
}

// HandleExport handles GET /v1/export
// Query params:
//   - format: "json" or "csv" (default: json)
//   - start, end: unix millis or RFC 3339 (default: the last 24h)
//   - device, tag: filters (optional)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatCSV {
		httpx.RespondErrorString(w, http.StatusBadRequest, "format must be 'json' or 'csv'")
		return
	}

	opts, err := h.options(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	// Headers go out with the first row, so failures past this point can
	// only be logged
	stamp := h.exporter.now().Format("20060102-150405")
	if format == FormatJSON {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/csv")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=tagstream-export-%s.%s", stamp, format))

	var result *Result
	if format == FormatJSON {
		result, err = h.exporter.ToJSON(r.Context(), w, opts)
	} else {
		result, err = h.exporter.ToCSV(r.Context(), w, opts)
	}
	if err != nil {
		h.logger.Error("export failed", "format", format, "error", err)
		return
	}
	h.logger.Info("history exported", "rows", result.RowsExported, "format", format, "range", result.TimeRange)
}

func (h *Handler) options(r *http.Request) (Options, error) {
	opts := Options{
		DeviceRef: r.URL.Query().Get("device"),
		Tag:       r.URL.Query().Get("tag"),
	}

	var err error
	if opts.End, err = httpx.QueryTime(r, "end"); err != nil {
		return opts, err
	}
	if opts.End == 0 {
		opts.End = h.exporter.now().UnixMilli()
	}
	if opts.Start, err = httpx.QueryTime(r, "start"); err != nil {
		return opts, err
	}
	if opts.Start == 0 {
		opts.Start = opts.End - DefaultExportWindow.Milliseconds()
	}

	if opts.Start >= opts.End {
		return opts, errors.New("start must be before end")
	}
	if opts.End-opts.Start > MaxExportWindow.Milliseconds() {
		return opts, fmt.Errorf("time range too large, maximum is %v", MaxExportWindow)
	}
	return opts, nil
}

var _ History = (*query.Service)(nil)
