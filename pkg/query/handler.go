package query

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nicktill/tagstream/pkg/config"
	"github.com/nicktill/tagstream/pkg/httpx"
)

// Handler serves the read API
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes registers the read endpoints on r
func (h *Handler) Routes(r *mux.Router) {
	r.HandleFunc("/v1/devices", h.HandleDevices).Methods(http.MethodGet)
	r.HandleFunc("/v1/devices/{ref}", h.HandleDevice).Methods(http.MethodGet)
	r.HandleFunc("/v1/devices/{ref}/latest", h.HandleLatest).Methods(http.MethodGet)
	r.HandleFunc("/v1/history", h.HandleHistory).Methods(http.MethodGet)
	r.HandleFunc("/v1/rollups/{resolution}", h.HandleRollup).Methods(http.MethodGet)
}

// DevicesResponse is the /v1/devices payload
type DevicesResponse struct {
	Devices []DeviceRow `json:"devices"`
	Count   int         `json:"count"`
}

func (h *Handler) HandleDevices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	devices, err := h.service.ListDevices(ctx)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, DevicesResponse{Devices: devices, Count: len(devices)})
}

func (h *Handler) HandleDevice(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	d, err := h.service.GetDevice(ctx, mux.Vars(r)["ref"])
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, d)
}

// LatestResponse is the /v1/devices/{ref}/latest payload
type LatestResponse struct {
	Device string     `json:"device"`
	Values []TagValue `json:"values"`
}

func (h *Handler) HandleLatest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	ref := mux.Vars(r)["ref"]
	values, err := h.service.GetLatestByKey(ctx, ref)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, LatestResponse{Device: ref, Values: values})
}

// HistoryResponse is the /v1/history payload
type HistoryResponse struct {
	Rows  []HistoryRow `json:"rows"`
	Count int          `json:"count"`
	Page  int          `json:"page,omitempty"`
}

// HandleHistory serves GET /v1/history?device=&tag=&start=&end=&limit=&page=&page_size=
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	f, err := historyFilter(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	rows, err := h.service.GetHistoricalData(ctx, f)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, HistoryResponse{Rows: rows, Count: len(rows), Page: f.Page})
}

// RollupResponse is the /v1/rollups/{resolution} payload
type RollupResponse struct {
	Resolution string      `json:"resolution"`
	Device     string      `json:"device"`
	Buckets    []RollupRow `json:"buckets"`
}

// HandleRollup serves GET /v1/rollups/{resolution}?device=&limit=
func (h *Handler) HandleRollup(w http.ResponseWriter, r *http.Request) {
	device := r.URL.Query().Get("device")
	if device == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "device parameter is required")
		return
	}
	limit, err := httpx.QueryInt(r, "limit", config.DefaultRollupLimit)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	resolution := mux.Vars(r)["resolution"]
	buckets, err := h.service.GetRollup(ctx, resolution, device, limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, RollupResponse{Resolution: resolution, Device: device, Buckets: buckets})
}

func historyFilter(r *http.Request) (HistoryFilter, error) {
	f := HistoryFilter{
		DeviceRef: r.URL.Query().Get("device"),
		Tag:       r.URL.Query().Get("tag"),
	}

	var err error
	if f.Start, err = httpx.QueryTime(r, "start"); err != nil {
		return f, err
	}
	if f.End, err = httpx.QueryTime(r, "end"); err != nil {
		return f, err
	}
	if f.Limit, err = httpx.QueryInt(r, "limit", 0); err != nil {
		return f, err
	}
	if f.Page, err = httpx.QueryInt(r, "page", 0); err != nil {
		return f, err
	}
	if f.PageSize, err = httpx.QueryInt(r, "page_size", 0); err != nil {
		return f, err
	}
	return f, nil
}

func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrDeviceNotFound), errors.Is(err, ErrUnknownResolution):
		httpx.RespondError(w, http.StatusNotFound, err)
	case errors.Is(err, ErrBadRange):
		httpx.RespondError(w, http.StatusBadRequest, err)
	case errors.Is(err, context.DeadlineExceeded):
		httpx.RespondErrorString(w, http.StatusGatewayTimeout, "query timed out")
	default:
		httpx.RespondError(w, http.StatusInternalServerError, err)
	}
}
