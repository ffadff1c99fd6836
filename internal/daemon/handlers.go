package daemon

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/agtscout/internal/api"
	"github.com/g960059/agtscout/internal/model"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	resp := api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	}
	st, _ := s.svc.Status(r.Context())
	resp.WorkerRunning = st.Running
	if err := s.svc.Err(); err != nil {
		resp.Status = "degraded"
		resp.WorkerError = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	st, err := s.svc.Status(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.StatusResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        st,
	})
}

func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listMessages(w, r)
	case http.MethodPost:
		s.enqueueMessage(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := model.MessageState(strings.TrimSpace(q.Get("state")))
	if state != "" && !state.Valid() {
		s.writeError(w, http.StatusBadRequest, model.CodeRefInvalid, "state must be pending, delivered, or failed")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, model.CodeRefInvalid, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	msgs, err := s.svc.List(r.Context(), state, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.MessagesEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Messages:      msgs,
	})
}

func (s *Server) enqueueMessage(w http.ResponseWriter, r *http.Request) {
	var req api.EnqueueRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	msg, err := s.svc.Enqueue(r.Context(), req.Kind, req.Content, req.Meta)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.MessageResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Message:       msg,
	})
}

func (s *Server) messageByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	raw := strings.TrimPrefix(r.URL.EscapedPath(), "/v1/messages/")
	if raw == "" || strings.Contains(raw, "/") {
		s.writeError(w, http.StatusNotFound, model.CodeRefNotFound, "message route not found")
		return
	}
	id, err := url.PathUnescape(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.CodeRefInvalid, "invalid message id encoding")
		return
	}
	msg, err := s.svc.Message(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.MessageResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Message:       msg,
	})
}

func (s *Server) requeueHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.RequeueRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		s.writeError(w, http.StatusBadRequest, model.CodeRefInvalid, "ids are required")
		return
	}
	if err := s.svc.Requeue(r.Context(), req.IDs); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeAck(w)
}

func (s *Server) wakeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	s.svc.Wake()
	s.writeAck(w)
}

func (s *Server) windowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	report := s.svc.Window(r.Context())
	s.writeJSON(w, http.StatusOK, api.WindowResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Found:         report.Found,
		Handle:        report.Handle,
		Readiness:     report.Readiness,
		Error:         report.Error,
	})
}

func (s *Server) testHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.TextRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Text == "" {
		req.Text = "agtscout test"
	}
	h, err := s.svc.TestInject(r.Context(), req.Text)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.TestInjectResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Handle:        h,
		Bytes:         len(req.Text),
	})
}

func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.TextRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.writeError(w, http.StatusBadRequest, model.CodeRefInvalid, "text is required")
		return
	}
	msg, err := s.svc.Send(r.Context(), req.Text)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.MessageResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Message:       msg,
	})
}

func (s *Server) writeAck(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusAccepted, api.AckResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Accepted:      true,
	})
}
