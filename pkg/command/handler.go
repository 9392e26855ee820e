package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nicktill/tagstream/pkg/config"
	"github.com/nicktill/tagstream/pkg/httpx"
)

// Handler serves POST /v1/devices/{ref}/command. The request body is the
// command payload, published unchanged.
type Handler struct {
	dispatcher *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

func (h *Handler) HandleCommand(w http.ResponseWriter, r *http.Request) {
	if h.dispatcher == nil {
		httpx.RespondErrorString(w, http.StatusServiceUnavailable, "command transport is not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, config.MaxIngestBodyBytes))
	if err != nil {
		httpx.RespondError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("read body: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.MQTTPublishTimeout)
	defer cancel()

	res, err := h.dispatcher.Send(ctx, mux.Vars(r)["ref"], body)
	switch {
	case errors.Is(err, ErrNotObject):
		httpx.RespondError(w, http.StatusBadRequest, err)
	case err != nil:
		httpx.RespondError(w, http.StatusBadGateway, err)
	default:
		httpx.RespondJSON(w, http.StatusAccepted, res)
	}
}
