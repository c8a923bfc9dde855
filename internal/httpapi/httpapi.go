package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/engine"
	"chatrelay/internal/gate"
	"chatrelay/internal/ingest"
	"chatrelay/internal/persona"
	"chatrelay/internal/session"
)

// Server exposes the conversation endpoints. Lease and Limiter are
// optional; when nil the corresponding guard is skipped.
type Server struct {
	engine   *engine.Engine
	personas *persona.Store
	lease    *gate.SessionLease
	limiter  *gate.RateLimiter
	logger   zerolog.Logger
}

type Config struct {
	Engine   *engine.Engine
	Personas *persona.Store
	Lease    *gate.SessionLease
	Limiter  *gate.RateLimiter
	Logger   zerolog.Logger
}

func New(cfg Config) *Server {
	return &Server{
		engine:   cfg.Engine,
		personas: cfg.Personas,
		lease:    cfg.Lease,
		limiter:  cfg.Limiter,
		logger:   cfg.Logger,
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /assist/thread-chat", s.handleThreadChat)
	mux.HandleFunc("POST /assist/persona", s.handlePersonaUpdate)
	mux.HandleFunc("GET /assist/persona/{name}", s.handlePersonaGet)
}

type threadChatRequest struct {
	ChatRecordID string `json:"chatRecordId"`
	Message      string `json:"message"`
	DocumentID   string `json:"documentId"`
	Model        string `json:"model"`
}

type threadChatResponse struct {
	Reply         string `json:"reply"`
	Model         string `json:"model"`
	ModelWarning  string `json:"model_warning,omitempty"`
	AssistantID   string `json:"assistantId"`
	ThreadID      string `json:"threadId"`
	VectorStoreID string `json:"vectorStoreId"`
}

func (s *Server) handleThreadChat(w http.ResponseWriter, r *http.Request) {
	var req threadChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.ChatRecordID = strings.TrimSpace(req.ChatRecordID)
	if req.ChatRecordID == "" {
		writeError(w, http.StatusBadRequest, "chatRecordId is required")
		return
	}
	if strings.TrimSpace(req.Message) == "" && strings.TrimSpace(req.DocumentID) == "" {
		writeError(w, http.StatusBadRequest, "message or documentId is required")
		return
	}

	ctx := r.Context()

	if s.limiter != nil {
		allowed, used, resetAt, err := s.limiter.Allow(ctx, req.ChatRecordID, time.Now())
		if err != nil {
			s.logger.Error().Err(err).Msg("rate limiter unavailable")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !allowed {
			s.logger.Warn().
				Str("conversation_id", req.ChatRecordID).
				Int64("used", used).
				Msg("rate limit exceeded")
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(resetAt).Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	if s.lease != nil {
		release, err := s.lease.Acquire(ctx, req.ChatRecordID)
		if err != nil {
			if errors.Is(err, gate.ErrLeaseBusy) {
				writeError(w, http.StatusConflict, "another turn is in progress for this conversation")
				return
			}
			s.logger.Error().Err(err).Msg("session lease unavailable")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		defer release()
	}

	res, err := s.engine.Turn(ctx, engine.TurnRequest{
		ConversationID: req.ChatRecordID,
		Message:        req.Message,
		DocumentID:     req.DocumentID,
		Model:          req.Model,
	})
	if err != nil {
		s.writeTurnError(w, req.ChatRecordID, err)
		return
	}

	writeJSON(w, http.StatusOK, threadChatResponse{
		Reply:         res.Reply,
		Model:         res.Model,
		ModelWarning:  res.ModelWarning,
		AssistantID:   res.AssistantID,
		ThreadID:      res.ThreadID,
		VectorStoreID: res.VectorStoreID,
	})
}

func (s *Server) writeTurnError(w http.ResponseWriter, conversationID string, err error) {
	var runErr *engine.RunError
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "chat record not found")
	case errors.Is(err, ingest.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, "document not found")
	case errors.As(err, &runErr):
		s.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("run did not complete")
		writeError(w, http.StatusBadGateway, runErr.Error())
	default:
		s.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("turn failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type personaUpdateRequest struct {
	Name             string            `json:"name"`
	Instructions     string            `json:"instructions"`
	Model            string            `json:"model"`
	Temperature      any               `json:"temperature"`
	TopP             any               `json:"top_p"`
	PresencePenalty  any               `json:"presence_penalty"`
	FrequencyPenalty any               `json:"frequency_penalty"`
	MaxOutputTokens  any               `json:"max_output_tokens"`
	ResponseFormat   string            `json:"response_format"`
	Metadata         map[string]string `json:"metadata"`
}

type personaResponse struct {
	Name             string            `json:"name"`
	Instructions     string            `json:"instructions"`
	Model            string            `json:"model"`
	Temperature      float64           `json:"temperature"`
	TopP             float64           `json:"top_p"`
	PresencePenalty  float64           `json:"presence_penalty"`
	FrequencyPenalty float64           `json:"frequency_penalty"`
	MaxOutputTokens  int               `json:"max_output_tokens"`
	ResponseFormat   string            `json:"response_format,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

func personaJSON(cfg persona.Config) personaResponse {
	return personaResponse{
		Name:             cfg.Name,
		Instructions:     cfg.Instructions,
		Model:            cfg.Model,
		Temperature:      cfg.Temperature,
		TopP:             cfg.TopP,
		PresencePenalty:  cfg.PresencePenalty,
		FrequencyPenalty: cfg.FrequencyPenalty,
		MaxOutputTokens:  cfg.MaxOutputTokens,
		ResponseFormat:   cfg.ResponseFormat,
		Metadata:         cfg.Metadata,
	}
}

func (s *Server) handlePersonaUpdate(w http.ResponseWriter, r *http.Request) {
	var req personaUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	cfg, err := s.personas.Update(r.Context(), req.Name, req.Instructions, persona.RawParams{
		Model:            req.Model,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		MaxOutputTokens:  req.MaxOutputTokens,
		ResponseFormat:   req.ResponseFormat,
		Metadata:         req.Metadata,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("persona", req.Name).Msg("persona update failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, personaJSON(cfg))
}

func (s *Server) handlePersonaGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	cfg, err := s.personas.Load(r.Context(), name)
	if err != nil {
		s.logger.Error().Err(err).Str("persona", name).Msg("persona load failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, personaJSON(cfg))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
