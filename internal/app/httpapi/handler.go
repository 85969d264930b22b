// Package httpapi exposes the raffle engine over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"

	domain "github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle_layer/internal/app/metrics"
	"github.com/R3E-Network/raffle_layer/internal/app/services/raffle"
	"github.com/R3E-Network/raffle_layer/internal/app/storage"
	"github.com/R3E-Network/raffle_layer/internal/config"
	"github.com/R3E-Network/raffle_layer/internal/middleware"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// Options carries the optional collaborators of the HTTP surface.
type Options struct {
	// Auth guards randomness delivery. Without it the fulfil route is not
	// mounted and only an in-process coordinator can settle rounds.
	Auth *middleware.CoordinatorAuth
	// Events backs the event history endpoint.
	Events storage.EventStore
	// Stream serves the websocket event feed.
	Stream http.Handler
	// AuditLogPath, when set, appends audit entries to a JSONL file.
	AuditLogPath string
	AuditSize    int
}

// handler bundles HTTP endpoints for the raffle engine.
type handler struct {
	raffle *raffle.Service
	events storage.EventStore
	audit  *auditLog
	health *healthProbe
	log    *logger.Logger
}

// NewHandler returns a router exposing the raffle REST API.
func NewHandler(svc *raffle.Service, opts Options, log *logger.Logger) (http.Handler, error) {
	if svc == nil {
		return nil, errors.New("raffle service is required")
	}
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	var sink auditSink
	if opts.AuditLogPath != "" {
		fileSink, err := newFileAuditSink(opts.AuditLogPath)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		sink = fileSink
	}
	h := &handler{
		raffle: svc,
		events: opts.Events,
		audit:  newAuditLog(opts.AuditSize, sink),
		health: newHealthProbe(svc),
		log:    log,
	}

	r := mux.NewRouter()
	r.Use(h.audit.middleware)

	r.HandleFunc("/raffle", h.status).Methods(http.MethodGet)
	r.HandleFunc("/raffle/enter", h.enter).Methods(http.MethodPost)
	r.HandleFunc("/raffle/participants/{index}", h.participant).Methods(http.MethodGet)
	r.HandleFunc("/raffle/upkeep", h.checkUpkeep).Methods(http.MethodGet)
	r.HandleFunc("/raffle/upkeep", h.performUpkeep).Methods(http.MethodPost)
	if opts.Auth != nil {
		r.Handle("/raffle/fulfill", opts.Auth.Handler(http.HandlerFunc(h.fulfill))).Methods(http.MethodPost)
	}
	r.HandleFunc("/raffle/events", h.listEvents).Methods(http.MethodGet)
	r.HandleFunc("/raffle/audit", h.listAudit).Methods(http.MethodGet)
	if opts.Stream != nil {
		r.Handle("/raffle/ws", opts.Stream).Methods(http.MethodGet)
	}
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	})
	return r, nil
}

type statusResponse struct {
	domain.Snapshot
	Config    domain.Config    `json:"config"`
	NumWords  uint32           `json:"num_words"`
	Readiness raffle.Readiness `json:"readiness"`
	Ready     bool             `json:"ready"`
}

func (h *handler) status(w http.ResponseWriter, _ *http.Request) {
	readiness := h.raffle.Readiness()
	writeJSON(w, http.StatusOK, statusResponse{
		Snapshot:  h.raffle.Snapshot(),
		Config:    h.raffle.Config(),
		NumWords:  h.raffle.NumWords(),
		Readiness: readiness,
		Ready:     readiness.Ready(),
	})
}

// enter records an entry for the posted amount. The amount is taken as
// already deposited with the custodian: this API holds no funds and does not
// check a deposit, so it must only be exposed to a front end that has
// collected the payment.
func (h *handler) enter(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Participant string `json:"participant"`
		Amount      string `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !common.IsHexAddress(payload.Participant) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("participant %q is not an address", payload.Participant))
		return
	}
	amount := new(uint256.Int)
	if payload.Amount != "" {
		parsed, err := config.ParseAmount(payload.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("amount: %w", err))
			return
		}
		amount = parsed
	}

	participant := common.HexToAddress(payload.Participant)
	if err := h.raffle.Enter(r.Context(), participant, amount); err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"participant":  participant,
		"participants": h.raffle.NumberOfParticipants(),
		"pool":         h.raffle.Pool(),
	})
}

func (h *handler) participant(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid index: %w", err))
		return
	}
	addr, err := h.raffle.ParticipantAt(index)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": index, "participant": addr})
}

func (h *handler) checkUpkeep(w http.ResponseWriter, r *http.Request) {
	needed, data := h.raffle.CheckUpkeep(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"upkeep_needed": needed,
		"perform_data":  hexutil.Encode(data),
		"readiness":     h.raffle.Readiness(),
	})
}

func (h *handler) performUpkeep(w http.ResponseWriter, r *http.Request) {
	requestID, err := h.raffle.PerformUpkeep(r.Context())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"request_id": requestID,
		"state":      h.raffle.State(),
	})
}

func (h *handler) fulfill(w http.ResponseWriter, r *http.Request) {
	noteCoordinator(r.Context(), middleware.CoordinatorFrom(r.Context()))

	var payload struct {
		RequestID string   `json:"request_id"`
		Words     []string `json:"words"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	requestID, err := parseWord(payload.RequestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("request_id: %w", err))
		return
	}
	words := make([]*uint256.Int, 0, len(payload.Words))
	for i, raw := range payload.Words {
		word, err := parseWord(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("words[%d]: %w", i, err))
			return
		}
		words = append(words, word)
	}

	if err := h.raffle.OnRandomnessDelivered(r.Context(), requestID, words); err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":         h.raffle.State(),
		"recent_winner": h.raffle.RecentWinner(),
	})
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultEventLimit, maxEventLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if h.events == nil {
		writeJSON(w, http.StatusOK, []domain.Event{})
		return
	}
	evts, err := h.events.ListEvents(r.Context(), limit)
	if err != nil {
		h.log.WithError(err).Error("list raffle events")
		writeError(w, http.StatusInternalServerError, errors.New("failed to list events"))
		return
	}
	if evts == nil {
		evts = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, evts)
}

func (h *handler) listAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultEventLimit, maxEventLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, h.audit.listLimit(limit))
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.health.report(r.Context()))
}

// writeEngineError maps engine errors onto HTTP statuses.
func (h *handler) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, raffle.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, raffle.ErrNotAcceptingEntries),
		errors.Is(err, raffle.ErrUpkeepNotReady),
		errors.Is(err, raffle.ErrPoolOverflow),
		errors.Is(err, raffle.ErrNoParticipants):
		status = http.StatusConflict
	case errors.Is(err, raffle.ErrIndexOutOfRange),
		errors.Is(err, raffle.ErrUnknownRequest):
		status = http.StatusNotFound
	case errors.Is(err, raffle.ErrNoRandomWords):
		status = http.StatusBadRequest
	case errors.Is(err, raffle.ErrPayoutFailed),
		errors.Is(err, raffle.ErrRandomnessRequest):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).Warn("raffle operation failed")
	}
	writeError(w, status, err)
}

func parseWord(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("value is empty")
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		return uint256.FromHex(raw)
	}
	return uint256.FromDecimal(raw)
}

func parseLimit(raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if n > max {
		n = max
	}
	return n, nil
}

type auditHolderKey struct{}

type auditHolder struct {
	coordinator string
}

func withAuditHolder(ctx context.Context, holder *auditHolder) context.Context {
	return context.WithValue(ctx, auditHolderKey{}, holder)
}

func noteCoordinator(ctx context.Context, id string) {
	if holder, ok := ctx.Value(auditHolderKey{}).(*auditHolder); ok {
		holder.coordinator = id
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
