package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/apexsec/dispatch/pkg/core"
	"github.com/apexsec/dispatch/pkg/core/call"
	"github.com/apexsec/dispatch/pkg/gateway/config"
	"github.com/apexsec/dispatch/pkg/gateway/intervene"
	"github.com/apexsec/dispatch/pkg/gateway/lifecycle"
	"github.com/apexsec/dispatch/pkg/gateway/monitor/protocol"
	"github.com/apexsec/dispatch/pkg/gateway/mw"
	"github.com/apexsec/dispatch/pkg/gateway/registry"
	"github.com/apexsec/dispatch/pkg/gateway/store"
)

// AdvisorySink pushes frames to monitors watching a call outside the
// registry event stream. The monitor hub implements it.
type AdvisorySink interface {
	PublishAdvisory(callID string, frame any)
}

// IngestHandler accepts call lifecycle updates from the telephony source
// and the AI pipeline over REST. Monitoring clients consume the same
// registry through the websocket.
type IngestHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Registry  *registry.Registry
	Engine    *intervene.Engine
	Recorder  store.Recorder
	Lifecycle *lifecycle.Lifecycle
	Monitors  AdvisorySink
}

func (h IngestHandler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return core.NewInvalidRequestError("request body too large")
		}
		return core.NewInvalidRequestError("invalid json body")
	}
	if dec.More() {
		return core.NewInvalidRequestError("unexpected trailing data")
	}
	_, _ = io.Copy(io.Discard, r.Body)
	return nil
}

type startCallRequest struct {
	CallID     string `json:"call_id,omitempty"`
	Caller     string `json:"caller"`
	PropertyID string `json:"property_id,omitempty"`
}

func (h IngestHandler) StartCall(w http.ResponseWriter, r *http.Request) {
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		reqID, _ := mw.RequestIDFrom(r.Context())
		writeCoreErrorJSON(w, reqID, &core.Error{
			Type:    core.ErrNotConnected,
			Message: "gateway is draining",
			Code:    "draining",
		}, http.StatusServiceUnavailable)
		return
	}

	var req startCallRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	s, err := h.Registry.StartCall(strings.TrimSpace(req.CallID), strings.TrimSpace(req.Caller), strings.TrimSpace(req.PropertyID))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"call": s})
}

type transcriptRequest struct {
	Entries []call.TranscriptEntry `json:"entries"`
}

func (h IngestHandler) AppendTranscript(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")

	var req transcriptRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Entries) == 0 {
		writeError(w, r, core.NewInvalidRequestErrorWithParam("entries must be non-empty", "entries"))
		return
	}
	if len(req.Entries) > h.Config.MaxTranscriptEntries {
		writeError(w, r, core.NewInvalidRequestErrorWithParam("too many entries in one request", "entries"))
		return
	}
	for i := range req.Entries {
		if len(req.Entries[i].Message) > h.Config.MaxTranscriptEntryBytes {
			writeError(w, r, core.NewInvalidRequestErrorWithParam("entry message too large", "entries.message"))
			return
		}
	}

	s, appended, err := h.Registry.AppendTranscript(callID, req.Entries...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if appended > 0 {
		h.maybeSuggestEscalation(s)
	}
	writeJSON(w, http.StatusOK, map[string]any{"call": s, "appended": appended})
}

// maybeSuggestEscalation surfaces SOP-threshold breaches to watching
// monitors as an advisory frame. Suggestion only; nothing escalates here.
func (h IngestHandler) maybeSuggestEscalation(s *call.Session) {
	if h.Engine == nil || h.Monitors == nil {
		return
	}
	sug, ok := h.Engine.SuggestEscalation(s)
	if !ok {
		return
	}
	h.Monitors.PublishAdvisory(s.CallID, protocol.ServerEscalationSuggested{
		Type:           protocol.TypeEscalationSuggested,
		CallID:         s.CallID,
		EscalationType: sug.Type.Code,
		Reason:         sug.Reason,
		TimestampMS:    time.Now().UnixMilli(),
	})
}

type progressRequest struct {
	Confidence   float64 `json:"confidence"`
	IncidentType string  `json:"incident_type,omitempty"`
}

func (h IngestHandler) Progress(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")

	var req progressRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		writeError(w, r, core.NewInvalidRequestErrorWithParam("confidence must be within [0,1]", "confidence"))
		return
	}

	s, err := h.Registry.ApplyAIProgress(callID, req.Confidence, strings.TrimSpace(req.IncidentType))
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.maybeSuggestEscalation(s)
	writeJSON(w, http.StatusOK, map[string]any{"call": s})
}

type endCallRequest struct {
	FinalState string `json:"final_state,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (h IngestHandler) EndCall(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")

	var req endCallRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	reqID, _ := mw.RequestIDFrom(r.Context())
	s, err := h.Engine.FinishCall(r.Context(), intervene.FinishRequest{
		CallID:    callID,
		Final:     call.State(strings.TrimSpace(req.FinalState)),
		Reason:    strings.TrimSpace(req.Reason),
		RequestID: reqID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"call": s})
}

func (h IngestHandler) ActiveCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"calls": h.Registry.ActiveCalls()})
}

func (h IngestHandler) GetCall(w http.ResponseWriter, r *http.Request) {
	s, err := h.Registry.Snapshot(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"call": s})
}

// GetTranscript serves the live transcript, falling back to the call log
// once the session has been swept out of memory.
func (h IngestHandler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")

	transcript, err := h.Registry.TranscriptOf(callID)
	if err != nil {
		if !core.IsType(err, core.ErrNotFound) || h.Recorder == nil {
			writeError(w, r, err)
			return
		}
		transcript, err = h.Recorder.TranscriptHistory(r.Context(), callID)
		if err != nil {
			if h.Logger != nil {
				h.Logger.Error("transcript history read failed", "call_id", callID, "error", err)
			}
			writeError(w, r, core.NewInternalError("transcript history unavailable"))
			return
		}
		if transcript == nil {
			writeError(w, r, core.NewNotFoundError("unknown call"))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"call_id": callID, "entries": transcript})
}
