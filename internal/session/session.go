package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"chatrelay/internal/llm"
	"chatrelay/internal/persona"
	"chatrelay/internal/recordstore"
)

// Chat record fields in the record store.
const (
	fieldAssistantID   = "assistant_id"
	fieldThreadID      = "thread_id"
	fieldVectorStoreID = "vector_store_id"
	fieldPersona       = "persona"
	fieldInstructions  = "assistant_config"
	fieldIngestedDocs  = "ingested_documents"
	fieldChatLog       = "chat_log"

	fieldUserMessage = "user_message"
	fieldAIReply     = "ai_reply"
	fieldModelUsed   = "model_used"
)

var ErrNotFound = errors.New("chat session not found")

// Turn is one immutable exchange in the session log.
type Turn struct {
	UserMessage string
	AIReply     string
	ModelUsed   string
}

// ChatSession binds one external conversation id to its provisioned
// language-model resources and turn log. It is owned by the record
// store; nothing here survives the request.
type ChatSession struct {
	ID                  string
	AssistantID         string
	ThreadID            string
	VectorStoreID       string
	PersonaName         string
	InstructionOverride string
	IngestedDocs        []string
	Log                 []Turn
}

// Ingested reports whether the document was already uploaded for this
// session.
func (s *ChatSession) Ingested(documentID string) bool {
	for _, id := range s.IngestedDocs {
		if id == documentID {
			return true
		}
	}
	return false
}

type Registry struct {
	records *recordstore.Client
	chatApp recordstore.App
	llm     llm.Service
	logger  zerolog.Logger
}

type RegistryConfig struct {
	Records *recordstore.Client
	ChatApp recordstore.App
	LLM     llm.Service
	Logger  zerolog.Logger
}

func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		records: cfg.Records,
		chatApp: cfg.ChatApp,
		llm:     cfg.LLM,
		logger:  cfg.Logger,
	}
}

// Resolve fetches the session record and lazily provisions whichever of
// assistant, thread, and vector store it is still missing. Each id is
// written back before the next provisioning step, so a failed request
// leaves completed steps behind and a retry skips them.
func (r *Registry) Resolve(ctx context.Context, conversationID string) (*ChatSession, error) {
	rec, err := r.fetch(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	s := fromRecord(conversationID, rec)

	if s.AssistantID == "" {
		instructions := s.InstructionOverride
		if strings.TrimSpace(instructions) == "" {
			instructions = persona.Default(s.PersonaName).Instructions
		}
		id, err := r.llm.CreateAssistant(ctx, "Chat-"+conversationID, instructions, persona.Default(s.PersonaName).Model)
		if err != nil {
			return nil, fmt.Errorf("provision assistant: %w", err)
		}
		if err := r.writeBack(ctx, conversationID, fieldAssistantID, id); err != nil {
			return nil, err
		}
		s.AssistantID = id
		r.logger.Info().Str("conversation_id", conversationID).Str("assistant_id", id).Msg("assistant created")
	}

	if s.ThreadID == "" {
		id, err := r.llm.CreateThread(ctx)
		if err != nil {
			return nil, fmt.Errorf("provision thread: %w", err)
		}
		if err := r.writeBack(ctx, conversationID, fieldThreadID, id); err != nil {
			return nil, err
		}
		s.ThreadID = id
		r.logger.Info().Str("conversation_id", conversationID).Str("thread_id", id).Msg("thread created")
	}

	if s.VectorStoreID == "" {
		id, err := r.llm.CreateVectorStore(ctx, "vs-"+conversationID)
		if err != nil {
			return nil, fmt.Errorf("provision vector store: %w", err)
		}
		if err := r.writeBack(ctx, conversationID, fieldVectorStoreID, id); err != nil {
			return nil, err
		}
		s.VectorStoreID = id
		r.logger.Info().Str("conversation_id", conversationID).Str("vector_store_id", id).Msg("vector store created")
	}

	return s, nil
}

// AppendTurn re-reads the latest log and writes it back with exactly
// one new row. Prior rows are carried over untouched.
func (r *Registry) AppendTurn(ctx context.Context, conversationID string, turn Turn) error {
	rec, err := r.fetch(ctx, conversationID)
	if err != nil {
		return err
	}

	rows := rec.Rows(fieldChatLog)
	rows = append(rows, recordstore.Record{
		fieldUserMessage: recordstore.Text(turn.UserMessage),
		fieldAIReply:     recordstore.Text(turn.AIReply),
		fieldModelUsed:   recordstore.Text(turn.ModelUsed),
	})

	update := recordstore.Record{fieldChatLog: recordstore.Table(rows)}
	if err := r.records.UpdateRecord(ctx, r.chatApp, conversationID, update); err != nil {
		return fmt.Errorf("write chat log: %w", err)
	}
	return nil
}

// MarkIngested records a document id on the session so repeated
// references skip re-uploading the same file.
func (r *Registry) MarkIngested(ctx context.Context, conversationID, documentID string) error {
	rec, err := r.fetch(ctx, conversationID)
	if err != nil {
		return err
	}
	docs := parseIngested(rec.String(fieldIngestedDocs))
	for _, id := range docs {
		if id == documentID {
			return nil
		}
	}
	docs = append(docs, documentID)

	update := recordstore.Record{fieldIngestedDocs: recordstore.Text(strings.Join(docs, "\n"))}
	if err := r.records.UpdateRecord(ctx, r.chatApp, conversationID, update); err != nil {
		return fmt.Errorf("write ingested documents: %w", err)
	}
	return nil
}

func (r *Registry) fetch(ctx context.Context, conversationID string) (recordstore.Record, error) {
	rec, err := r.records.FirstMatching(ctx, r.chatApp, fmt.Sprintf("$id = %s", conversationID))
	if err != nil {
		if errors.Is(err, recordstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
		}
		return nil, fmt.Errorf("fetch chat record: %w", err)
	}
	return rec, nil
}

func (r *Registry) writeBack(ctx context.Context, conversationID, field, value string) error {
	update := recordstore.Record{field: recordstore.Text(value)}
	if err := r.records.UpdateRecord(ctx, r.chatApp, conversationID, update); err != nil {
		return fmt.Errorf("persist %s: %w", field, err)
	}
	return nil
}

func fromRecord(conversationID string, rec recordstore.Record) *ChatSession {
	s := &ChatSession{
		ID:                  conversationID,
		AssistantID:         rec.String(fieldAssistantID),
		ThreadID:            rec.String(fieldThreadID),
		VectorStoreID:       rec.String(fieldVectorStoreID),
		PersonaName:         rec.String(fieldPersona),
		InstructionOverride: rec.String(fieldInstructions),
		IngestedDocs:        parseIngested(rec.String(fieldIngestedDocs)),
	}
	for _, row := range rec.Rows(fieldChatLog) {
		s.Log = append(s.Log, Turn{
			UserMessage: row.String(fieldUserMessage),
			AIReply:     row.String(fieldAIReply),
			ModelUsed:   row.String(fieldModelUsed),
		})
	}
	return s
}

func parseIngested(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		if id := strings.TrimSpace(line); id != "" {
			out = append(out, id)
		}
	}
	return out
}
