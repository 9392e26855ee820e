package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/nicktill/tagstream/pkg/config"
	"github.com/nicktill/tagstream/pkg/envelope"
	"github.com/nicktill/tagstream/pkg/httpx"
)

// Handler accepts envelopes over HTTP for devices that cannot publish to
// the broker.
type Handler struct {
	pipeline *Pipeline
}

func NewHandler(p *Pipeline) *Handler {
	return &Handler{pipeline: p}
}

// IngestResponse represents the response payload
type IngestResponse struct {
	Status string `json:"status"`
	Report
	Message string `json:"message,omitempty"`
}

// HandleIngest handles POST /v1/ingest?topic=<ref>/pub_data. The body is one
// envelope, exactly as a device would publish it.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "topic query parameter is required")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, config.MaxIngestBodyBytes))
	if err != nil {
		httpx.RespondErrorString(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("body exceeds %d bytes", config.MaxIngestBodyBytes))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	report, err := h.pipeline.Ingest(ctx, SourceHTTP, topic, body)
	if err != nil {
		var perr *envelope.ParseError
		var verr *envelope.ValidationError
		switch {
		case errors.As(err, &perr), errors.As(err, &verr):
			httpx.RespondError(w, http.StatusBadRequest, err)
		case errors.Is(err, ErrStorageFull):
			httpx.RespondError(w, http.StatusInsufficientStorage, err)
		default:
			httpx.RespondJSON(w, http.StatusInternalServerError, IngestResponse{
				Status:  "partial",
				Report:  report,
				Message: err.Error(),
			})
		}
		return
	}

	httpx.RespondJSON(w, http.StatusOK, IngestResponse{Status: "success", Report: report})
}
