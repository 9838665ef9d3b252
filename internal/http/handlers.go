package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/bus-ridership-hub/internal/broadcast"
	"github.com/example/bus-ridership-hub/internal/hub"
	"github.com/example/bus-ridership-hub/internal/models"
	"github.com/example/bus-ridership-hub/internal/registry"
	"github.com/example/bus-ridership-hub/internal/storage"
)

const maxBodyBytes = 1 << 20

type Server struct {
	Hub        *hub.Hub
	Registries *registry.Set
	Rides      *storage.RideStore
	Admin      *broadcast.Channel
	logger     *slog.Logger
	mux        *mux.Router
}

func NewServer(h *hub.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Hub:        h,
		Registries: h.Registries,
		Rides:      h.Rides,
		Admin:      h.Admin,
		logger:     logger,
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	// socket paths take every method so bad handshakes get a 400, not a 405
	for _, p := range hub.Paths() {
		if handler, ok := s.Hub.Handler(p); ok {
			s.mux.Handle(p, handler)
		}
	}

	api := s.mux.PathPrefix("/api").Subrouter()
	api.HandleFunc("/connections", s.handleConnections).Methods(http.MethodGet)
	api.HandleFunc("/command", s.handleCommand).Methods(http.MethodPost)
	api.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
	api.HandleFunc("/rides", s.handleListRides).Methods(http.MethodGet)
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.handleDeleteRide).Methods(http.MethodDelete)
	api.HandleFunc("/rides/{id}/position", s.handleRidePosition).Methods(http.MethodPost)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	class, ok := models.ParseDeviceClass(r.URL.Query().Get("type"))
	if !ok {
		writeFailure(w, http.StatusBadRequest, "unknown device type")
		return
	}
	reg, err := s.Registries.For(class)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}
	list := reg.Snapshot()
	if list == nil {
		list = []models.DeviceView{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req models.CommandRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid body")
		return
	}
	res := s.Hub.Command(req)
	status := http.StatusOK
	switch {
	case res.Success:
	case res.Reason == "device not connected":
		status = http.StatusNotFound
	default:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, res)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeFailure(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": s.Admin.Recent(limit)})
}

type createRideBody struct {
	RiderID   string            `json:"riderId"`
	BusNumber models.FlexString `json:"busNumber"`
	Direction string            `json:"direction"`
	Lat       *float64          `json:"lat"`
	Lon       *float64          `json:"lon"`
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Rides.List())
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var body createRideBody
	if err := decodeBody(w, r, &body); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.RiderID == "" || body.BusNumber == "" {
		writeFailure(w, http.StatusBadRequest, "riderId and busNumber are required")
		return
	}
	var pos *models.Coord
	if body.Lat != nil && body.Lon != nil {
		pos = &models.Coord{Lat: *body.Lat, Lon: *body.Lon}
	}
	req := s.Hub.CreateRide(body.RiderID, string(body.BusNumber), body.Direction, pos)
	s.Hub.PushToApp(req.RiderID, hub.RequestCreated(req, req.CreatedAt))
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	req, ok := s.Rides.Get(mux.Vars(r)["id"])
	if !ok {
		writeFailure(w, http.StatusNotFound, storage.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDeleteRide(w http.ResponseWriter, r *http.Request) {
	if !s.Hub.ClearRide(mux.Vars(r)["id"], "api") {
		writeFailure(w, http.StatusNotFound, storage.ErrNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRidePosition(w http.ResponseWriter, r *http.Request) {
	var pos models.Coord
	if err := decodeBody(w, r, &pos); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid body")
		return
	}
	if !s.Rides.RecordRiderPosition(mux.Vars(r)["id"], pos) {
		writeFailure(w, http.StatusNotFound, storage.ErrNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeFailure(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, models.CommandResult{Success: false, Reason: reason})
}
