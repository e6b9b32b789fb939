package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"

	apperrors "github.com/zsiec/sensorlink/internal/errors"
	"github.com/zsiec/sensorlink/internal/ingestion/fusion"
	"github.com/zsiec/sensorlink/internal/ingestion/registry"
	"github.com/zsiec/sensorlink/internal/logger"
)

const (
	commandTimeout  = 5 * time.Second
	maxCommandBytes = 512
)

// Handlers exposes the ingestion manager over HTTP.
type Handlers struct {
	manager *Manager
	errors  *apperrors.ErrorHandler
	logger  logger.Logger
}

// NewHandlers creates a new handlers wrapper
func NewHandlers(manager *Manager, log logger.Logger) *Handlers {
	return &Handlers{
		manager: manager,
		errors:  apperrors.NewErrorHandler(log),
		logger:  log.WithField("component", "ingestion_handlers"),
	}
}

// RegisterRoutes registers all ingestion API routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/devices", h.HandleListDevices).Methods("GET")
	api.HandleFunc("/devices/{id}", h.HandleGetDevice).Methods("GET")
	api.HandleFunc("/devices/{id}/orientation", h.HandleGetOrientation).Methods("GET")
	api.HandleFunc("/devices/{id}/commands", h.HandleSendCommand).Methods("POST")

	h.logger.Info("Ingestion routes registered")
}

// API Response DTOs
type DeviceListResponse struct {
	Devices []DeviceDTO `json:"devices"`
	Count   int         `json:"count"`
	Time    time.Time   `json:"timestamp"`
}

type DeviceDTO struct {
	ID                string                `json:"id"`
	Transport         string                `json:"transport"`
	Status            registry.DeviceStatus `json:"status"`
	SessionID         string                `json:"session_id,omitempty"`
	Local             bool                  `json:"local"`
	ConnectedAt       *time.Time            `json:"connected_at,omitempty"`
	LastHeartbeat     *time.Time            `json:"last_heartbeat,omitempty"`
	PacketsReceived   uint64                `json:"packets_received"`
	DroppedTotal      uint64                `json:"dropped_total"`
	BackpressureDrops uint64                `json:"backpressure_drops"`
	Malformed         uint64                `json:"malformed"`
	LossRatio         float64               `json:"loss_ratio"`
	RateHz            float64               `json:"rate_hz"`
	Reconnects        uint64                `json:"reconnects"`
	LastError         string                `json:"last_error,omitempty"`
	Session           *SessionStats         `json:"session,omitempty"`
}

type OrientationResponse struct {
	DeviceID   string            `json:"device_id"`
	SessionID  string            `json:"session_id"`
	Sequence   uint16            `json:"sequence"`
	Quaternion fusion.Quaternion `json:"quaternion"`
	Euler      EulerDTO          `json:"euler_deg"`
	Gravity    [3]float64        `json:"gravity"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

type EulerDTO struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// CommandRequest carries either hex-encoded bytes or plain text.
type CommandRequest struct {
	Data string `json:"data,omitempty"`
	Text string `json:"text,omitempty"`
}

type CommandResponse struct {
	DeviceID string    `json:"device_id"`
	Bytes    int       `json:"bytes"`
	Time     time.Time `json:"timestamp"`
}

// HandleListDevices merges registry records with locally supervised devices.
// Registry failures degrade to the local view.
func (h *Handlers) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	byID := make(map[string]DeviceDTO)

	records, err := h.manager.Registry().List(r.Context())
	if err != nil {
		logger.FromContext(r.Context(), h.logger).WithError(err).Warn("Registry list failed, serving local devices only")
	}
	for _, rec := range records {
		byID[rec.ID] = deviceFromRecord(rec)
	}

	for _, state := range h.manager.Devices() {
		dto := byID[state.ID]
		byID[state.ID] = mergeLocal(dto, state)
	}

	devices := make([]DeviceDTO, 0, len(byID))
	for _, dto := range byID {
		devices = append(devices, dto)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	apperrors.WriteJSON(w, http.StatusOK, DeviceListResponse{
		Devices: devices,
		Count:   len(devices),
		Time:    time.Now(),
	})
}

// HandleGetDevice returns one device, preferring live session stats.
func (h *Handlers) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var dto DeviceDTO
	found := false

	rec, err := h.manager.Registry().Get(r.Context(), id)
	switch {
	case err == nil:
		dto = deviceFromRecord(rec)
		found = true
	case !stderrors.Is(err, registry.ErrDeviceNotFound):
		logger.FromContext(r.Context(), h.logger).WithError(err).Warn("Registry lookup failed")
	}

	if state, ok := h.manager.Device(id); ok {
		dto = mergeLocal(dto, state)
		found = true
	}

	if !found {
		h.errors.HandleError(w, r, apperrors.NewDeviceNotFoundError(id))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, dto)
}

// HandleGetOrientation returns the latest fused orientation of a live session.
func (h *Handlers) HandleGetOrientation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, ok := h.manager.Device(id); !ok {
		h.errors.HandleError(w, r, apperrors.NewDeviceNotFoundError(id))
		return
	}

	session, ok := h.manager.Session(id)
	if !ok {
		h.errors.HandleError(w, r, apperrors.NewDeviceUnavailableError(id, ErrNotConnected))
		return
	}

	o, ok := session.Orientation()
	if !ok {
		h.errors.HandleError(w, r, apperrors.NewDeviceUnavailableError(id, stderrors.New("no samples fused yet")))
		return
	}

	roll, pitch, yaw := o.Value.Euler()
	apperrors.WriteJSON(w, http.StatusOK, OrientationResponse{
		DeviceID:   id,
		SessionID:  session.ID(),
		Sequence:   o.Sequence,
		Quaternion: o.Value,
		Euler:      EulerDTO{Roll: degrees(roll), Pitch: degrees(pitch), Yaw: degrees(yaw)},
		Gravity:    o.Value.Gravity(),
		UpdatedAt:  o.UpdatedAt,
	})
}

// HandleSendCommand writes a command to the device's command characteristic.
func (h *Handlers) HandleSendCommand(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req CommandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4*maxCommandBytes)).Decode(&req); err != nil {
		h.errors.HandleError(w, r, apperrors.NewValidationError("invalid JSON body: "+err.Error()))
		return
	}

	data, err := req.payload()
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	if err := h.manager.SendCommand(ctx, id, data); err != nil {
		switch {
		case stderrors.Is(err, ErrUnknownDevice):
			err = apperrors.NewDeviceNotFoundError(id)
		case stderrors.Is(err, context.DeadlineExceeded):
			err = apperrors.NewTimeoutError("command write timed out")
		default:
			err = apperrors.NewDeviceUnavailableError(id, err)
		}
		h.errors.HandleError(w, r, err)
		return
	}

	logger.FromContext(r.Context(), h.logger).WithFields(map[string]interface{}{
		"device_id": id,
		"bytes":     len(data),
	}).Info("Command sent")

	apperrors.WriteJSON(w, http.StatusAccepted, CommandResponse{
		DeviceID: id,
		Bytes:    len(data),
		Time:     time.Now(),
	})
}

func (req CommandRequest) payload() ([]byte, error) {
	if (req.Data == "") == (req.Text == "") {
		return nil, apperrors.NewValidationError("exactly one of data or text is required")
	}

	data := []byte(req.Text)
	if req.Data != "" {
		decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(req.Data, "0x"), "0X"))
		if err != nil {
			return nil, apperrors.NewValidationError("data must be hex encoded")
		}
		data = decoded
	}

	if len(data) > maxCommandBytes {
		return nil, apperrors.NewValidationError("command too long")
	}
	return data, nil
}

func deviceFromRecord(rec *registry.Device) DeviceDTO {
	dto := DeviceDTO{
		ID:                rec.ID,
		Transport:         rec.Transport,
		Status:            rec.Status,
		SessionID:         rec.SessionID,
		PacketsReceived:   rec.PacketsReceived,
		DroppedTotal:      rec.DroppedTotal,
		BackpressureDrops: rec.BackpressureDrops,
		Malformed:         rec.Malformed,
		LossRatio:         rec.LossRatio(),
		RateHz:            rec.RateHz,
		Reconnects:        rec.Reconnects,
	}
	if !rec.ConnectedAt.IsZero() {
		t := rec.ConnectedAt
		dto.ConnectedAt = &t
	}
	if !rec.LastHeartbeat.IsZero() {
		t := rec.LastHeartbeat
		dto.LastHeartbeat = &t
	}
	return dto
}

// mergeLocal overlays the supervisor's live view on a registry record.
func mergeLocal(dto DeviceDTO, state DeviceState) DeviceDTO {
	dto.ID = state.ID
	dto.Transport = state.Transport
	dto.Status = state.Status
	dto.Local = true
	dto.Reconnects = state.Reconnects
	dto.LastError = state.LastError
	dto.Session = state.Session
	dto.SessionID = state.SessionID

	if s := state.Session; s != nil {
		started := s.StartedAt
		dto.ConnectedAt = &started
		dto.PacketsReceived = s.Received
		dto.DroppedTotal = s.DroppedTotal
		dto.BackpressureDrops = s.BackpressureDrops
		dto.Malformed = s.Malformed
		dto.RateHz = s.RateHz

		rec := registry.Device{PacketsReceived: s.Received, DroppedTotal: s.DroppedTotal}
		dto.LossRatio = rec.LossRatio()
	}
	return dto
}

func degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}
