package host

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/babelcloud/tunerbridge/internal/bridge"
	"github.com/babelcloud/tunerbridge/internal/channel"
	"github.com/babelcloud/tunerbridge/internal/demux"
	"github.com/babelcloud/tunerbridge/internal/protocol"
	"github.com/babelcloud/tunerbridge/internal/registry"
	"github.com/babelcloud/tunerbridge/internal/util"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local unix socket only
	},
}

// RegisterResponse is the reply to the registration handshake.
type RegisterResponse struct {
	ID      int32 `json:"id"`
	Created bool  `json:"created"`
}

// TuneRequest asks an adapter to tune.
type TuneRequest struct {
	Frequency uint32 `json:"frequency"`
}

// FeedRequest starts a demux feed.
type FeedRequest struct {
	PID   uint16 `json:"pid"`
	Index uint32 `json:"index"`
}

// FilterRequest sets a PES filter.
type FilterRequest struct {
	PID        uint16              `json:"pid"`
	Input      uint32              `json:"input"`
	Output     protocol.OutputKind `json:"output"`
	StreamKind uint32              `json:"stream_kind"`
	Flags      uint32              `json:"flags"`
}

// FrontendStatus is the frontend view of an adapter.
type FrontendStatus struct {
	Status            string `json:"status"`
	Flags             uint32 `json:"flags"`
	SignalStrength    uint16 `json:"signal_strength"`
	BER               uint32 `json:"ber"`
	SNR               uint16 `json:"snr"`
	UncorrectedBlocks uint32 `json:"uncorrected_blocks"`
}

// PIDsResponse lists packets seen per PID on the data path.
type PIDsResponse struct {
	Bytes uint64          `json:"bytes"`
	PIDs  []demux.PIDStat `json:"pids"`
}

// StatusResponse describes the host.
type StatusResponse struct {
	Uptime  string        `json:"uptime"`
	Channel channel.Stats `json:"channel"`
	Tuners  int           `json:"tuners"`
	Resync  string        `json:"resync"`
}

// Router builds the API routes.
func (h *Host) Router() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)

	api.HandleFunc("/tuners", h.handleListTuners).Methods(http.MethodGet)
	api.HandleFunc("/tuners/register", h.handleRegister).Methods(http.MethodPost)

	api.HandleFunc("/adapters", h.handleListAdapters).Methods(http.MethodGet)
	api.HandleFunc("/adapters/{id:[0-9]+}", h.handleGetAdapter).Methods(http.MethodGet)
	api.HandleFunc("/adapters/{id:[0-9]+}/tune", h.handleTune).Methods(http.MethodPost)
	api.HandleFunc("/adapters/{id:[0-9]+}/frontend", h.handleFrontend).Methods(http.MethodGet)
	api.HandleFunc("/adapters/{id:[0-9]+}/feeds", h.handleStartFeed).Methods(http.MethodPost)
	api.HandleFunc("/adapters/{id:[0-9]+}/feeds/{pid}", h.handleStopFeed).Methods(http.MethodDelete)
	api.HandleFunc("/adapters/{id:[0-9]+}/filter", h.handleSetFilter).Methods(http.MethodPost)
	api.HandleFunc("/adapters/{id:[0-9]+}/pids", h.handlePIDs).Methods(http.MethodGet)
	api.HandleFunc("/adapters/{id:[0-9]+}/dvr", h.handleDVR).Methods(http.MethodGet)

	return r
}

// RespondJSON sends a JSON response with the given status code and data
func RespondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// respondError maps bridge errors onto HTTP status codes.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, bridge.ErrUnknownAdapter), errors.Is(err, registry.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, bridge.ErrFrequencyOutOfRange):
		status = http.StatusBadRequest
	case errors.Is(err, registry.ErrCapacityExceeded):
		status = http.StatusConflict
	case errors.Is(err, channel.ErrInterrupted), errors.Is(err, channel.ErrTimeout), errors.Is(err, channel.ErrWouldBlock):
		w.Header().Set("Retry-After", "1")
		status = http.StatusServiceUnavailable
	case errors.Is(err, channel.ErrNoConsumer):
		status = http.StatusServiceUnavailable
	case errors.Is(err, bridge.ErrDevice):
		status = http.StatusBadGateway
	}
	RespondJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Host) adapter(r *http.Request) (*bridge.Adapter, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		return nil, errors.Wrap(bridge.ErrUnknownAdapter, err.Error())
	}
	return h.adapters.Get(int32(id))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		RespondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (h *Host) handleHealth(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Host) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	uptime := time.Since(h.startTime).Round(time.Second)
	h.mu.Unlock()
	RespondJSON(w, http.StatusOK, StatusResponse{
		Uptime:  uptime.String(),
		Channel: h.channel.Stats(),
		Tuners:  h.registry.Len(),
		Resync:  h.opts.Resync,
	})
}

func (h *Host) handleListTuners(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.registry.List())
}

func (h *Host) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg registry.Registration
	if !decodeBody(w, r, &reg) {
		return
	}
	entry, created, err := h.Register(reg)
	if err != nil {
		if errors.Is(err, registry.ErrCapacityExceeded) {
			respondError(w, err)
			return
		}
		RespondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	RespondJSON(w, status, RegisterResponse{ID: entry.ID, Created: created})
}

func (h *Host) handleListAdapters(w http.ResponseWriter, r *http.Request) {
	adapters := h.adapters.All()
	states := make([]bridge.AdapterState, 0, len(adapters))
	for _, a := range adapters {
		states = append(states, a.State())
	}
	RespondJSON(w, http.StatusOK, states)
}

func (h *Host) handleGetAdapter(w http.ResponseWriter, r *http.Request) {
	a, err := h.adapter(r)
	if err != nil {
		respondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, a.State())
}

func (h *Host) handleTune(w http.ResponseWriter, r *http.Request) {
	a, err := h.adapter(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req TuneRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.Tune(r.Context(), req.Frequency); err != nil {
		respondError(w, err)
		return
	}
	h.respondFrontend(w, r, a)
}

func (h *Host) handleFrontend(w http.ResponseWriter, r *http.Request) {
	a, err := h.adapter(r)
	if err != nil {
		respondError(w, err)
		return
	}
	h.respondFrontend(w, r, a)
}

func (h *Host) respondFrontend(w http.ResponseWriter, r *http.Request, a *bridge.Adapter) {
	flags, err := a.ReadStatus(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	strength, err := a.ReadSignalStrength(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, FrontendStatus{
		Status:            flags.String(),
		Flags:             uint32(flags),
		SignalStrength:    strength,
		BER:               a.ReadBER(),
		SNR:               a.ReadSNR(),
		UncorrectedBlocks: a.ReadUncorrectedBlocks(),
	})
}

func (h *Host) handleStartFeed(w http.ResponseWriter, r *http.Request) {
	a, err := h.adapter(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req FeedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PID > protocol.PassAllPID {
		RespondJSON(w, http.StatusBadRequest, map[string]string{"error": "pid out of range"})
		return
	}
	if err := a.StartFeed(r.Context(), req.PID, req.Index); err != nil {
		respondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, a.State())
}

func (h *Host) handleStopFeed(w http.ResponseWriter, r *http.Request) {
	a, err := h.adapter(r)
	if err != nil {
		respondError(w, err)
		return
	}
	pid, err := strconv.ParseUint(mux.Vars(r)["pid"], 0, 16)
	if err != nil || uint16(pid) > protocol.PassAllPID {
		RespondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid pid"})
		return
	}
	var index uint64
	if s := r.URL.Query().Get("index"); s != "" {
		if index, err = strconv.ParseUint(s, 10, 32); err != nil {
			RespondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid index"})
			return
		}
	}
	if err := a.StopFeed(r.Context(), uint16(pid), uint32(index)); err != nil {
		respondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, a.State())
}

func (h *Host) handleSetFilter(w http.ResponseWriter, r *http.Request) {
	a, err := h.adapter(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req FilterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err = a.SetFilter(r.Context(), protocol.FilterPayload{
		PID:        req.PID,
		Input:      req.Input,
		Output:     req.Output,
		StreamKind: req.StreamKind,
		Flags:      req.Flags,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, a.State())
}

func (h *Host) handlePIDs(w http.ResponseWriter, r *http.Request) {
	a, err := h.adapter(r)
	if err != nil {
		respondError(w, err)
		return
	}
	stats, total := h.demux.PIDStats(a.ID())
	RespondJSON(w, http.StatusOK, PIDsResponse{Bytes: total, PIDs: stats})
}

// handleDVR streams the raw transport stream of an adapter over a websocket.
func (h *Host) handleDVR(w http.ResponseWriter, r *http.Request) {
	logger := util.GetLogger()
	a, err := h.adapter(r)
	if err != nil {
		respondError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Failed to upgrade to WebSocket", "adapter", a.ID(), "error", err)
		return
	}
	defer conn.Close()

	subscriberID := uuid.NewString()
	chunks := h.demux.Subscribe(a.ID(), subscriberID, 256)
	defer h.demux.Unsubscribe(a.ID(), subscriberID)

	// drain client frames so close messages are processed
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			logger.Debug("DVR client went away", "adapter", a.ID())
			return
		case chunk, ok := <-chunks:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				logger.Debug("DVR write failed", "adapter", a.ID(), "error", err)
				return
			}
		}
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	length int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.status == 0 {
		lw.status = http.StatusOK
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.length += n
	return n, err
}

func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http.Hijacker interface is not supported")
	}
	return hj.Hijack()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		util.GetLogger().Debug("api request", "method", r.Method, "path", r.URL.Path,
			"status", lw.status, "bytes", lw.length, "duration", time.Since(start), "request_id", requestID)
	})
}
