package operator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/muurk/espctl/internal/engine"
	"github.com/muurk/espctl/internal/logging"
	"github.com/muurk/espctl/internal/protocol"
)

// Router is the part of the registry the operator API drives.
type Router interface {
	AddRequest(command string, id byte, payload []byte)
	ReadResult(id byte) (engine.Result, bool)
	HasHandler(id byte) bool
	Devices() []engine.Info
}

// API serves the operator routes.
type API struct {
	router   Router
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// New builds the operator handler. A nil registry disables /metrics.
func New(router Router, registry *prometheus.Registry) *API {
	a := &API{
		router: router,
		mux:    http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	a.mux.HandleFunc("GET /devices", a.handleList)
	a.mux.HandleFunc("GET /devices/{id}", a.handleDevice)
	a.mux.HandleFunc("POST /devices/{id}/requests", a.handleRequest)
	a.mux.HandleFunc("GET /devices/{id}/result", a.handleResult)
	a.mux.HandleFunc("GET /ws", a.handleWebSocket)
	a.mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if registry != nil {
		a.mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}

	return a
}

// ServeHTTP implements http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

// RequestBody is the body of POST /devices/{id}/requests.
type RequestBody struct {
	Command string  `json:"command"`
	Payload []int   `json:"payload,omitempty"` // Raw bytes, 0-255 each
	Ints    []int32 `json:"ints,omitempty"`    // Encoded as little-endian 32-bit values
}

// ResultBody is a stored device response.
type ResultBody struct {
	Command  string    `json:"command"`
	Response string    `json:"response"`
	At       time.Time `json:"at"`
}

type errorBody struct {
	Error string `json:"error"`
}

func newResultBody(r engine.Result) *ResultBody {
	return &ResultBody{Command: r.Command, Response: r.Response, At: r.At}
}

// ParseID parses a device identifier in decimal or 0x-prefixed hex.
func ParseID(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid device id %q", s)
	}
	return byte(v), nil
}

// payload converts the body into wire bytes.
func (b RequestBody) payload() ([]byte, error) {
	if b.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	if len(b.Payload) > 0 && len(b.Ints) > 0 {
		return nil, fmt.Errorf("payload and ints are mutually exclusive")
	}
	if len(b.Ints) > 0 {
		return protocol.EncodePayload(b.Ints...)
	}
	if len(b.Payload) > protocol.MaxPayload {
		return nil, fmt.Errorf("payload of %d bytes exceeds %d", len(b.Payload), protocol.MaxPayload)
	}

	out := make([]byte, len(b.Payload))
	for i, v := range b.Payload {
		if v < 0 || v > 0xFF {
			return nil, fmt.Errorf("payload[%d] = %d is not a byte", i, v)
		}
		out[i] = byte(v)
	}
	return out, nil
}

func (a *API) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.router.Devices())
}

func (a *API) handleDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := a.deviceID(w, r)
	if !ok {
		return
	}
	for _, d := range a.router.Devices() {
		if d.ID == id {
			writeJSON(w, http.StatusOK, d)
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Errorf("device 0x%02x not connected", id))
}

func (a *API) handleRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := a.deviceID(w, r)
	if !ok {
		return
	}
	if !a.router.HasHandler(id) {
		writeError(w, http.StatusNotFound, fmt.Errorf("device 0x%02x not connected", id))
		return
	}

	var body RequestBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	payload, err := body.payload()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	a.router.AddRequest(body.Command, id, payload)
	logging.Debug("Operator request queued",
		logging.DeviceID(id),
		zap.String("command", body.Command),
		zap.String("remote_addr", r.RemoteAddr),
	)
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
}

func (a *API) handleResult(w http.ResponseWriter, r *http.Request) {
	id, ok := a.deviceID(w, r)
	if !ok {
		return
	}
	if !a.router.HasHandler(id) {
		writeError(w, http.StatusNotFound, fmt.Errorf("device 0x%02x not connected", id))
		return
	}

	res, ok := a.router.ReadResult(id)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, newResultBody(res))
}

func (a *API) deviceID(w http.ResponseWriter, r *http.Request) (byte, bool) {
	id, err := ParseID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("Failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}
