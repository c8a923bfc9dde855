package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"chatrelay/internal/ingest"
	"chatrelay/internal/llm"
	"chatrelay/internal/metrics"
	"chatrelay/internal/modelpolicy"
	"chatrelay/internal/persona"
	"chatrelay/internal/replyfmt"
	"chatrelay/internal/session"
)

// errRunPending marks a poll attempt that saw a non-terminal status.
var errRunPending = errors.New("run still pending")

// RunError is returned when a run reaches a terminal status other than
// completed, or when the polling deadline expires first.
type RunError struct {
	Status    llm.RunStatus
	LastError string
}

func (e *RunError) Error() string {
	if e.LastError != "" {
		return fmt.Sprintf("run ended with status %s: %s", e.Status, e.LastError)
	}
	return fmt.Sprintf("run ended with status %s", e.Status)
}

type TurnRequest struct {
	ConversationID string
	Message        string
	DocumentID     string
	Model          string
}

type TurnResult struct {
	Reply         string
	Model         string
	ModelWarning  string
	AssistantID   string
	ThreadID      string
	VectorStoreID string
}

type Engine struct {
	registry     *session.Registry
	personas     *persona.Store
	ingest       *ingest.Pipeline
	llm          llm.Service
	formatter    *replyfmt.Formatter
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	pollInterval time.Duration
	runDeadline  time.Duration
}

type Config struct {
	Registry     *session.Registry
	Personas     *persona.Store
	Ingest       *ingest.Pipeline
	LLM          llm.Service
	Formatter    *replyfmt.Formatter
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	PollInterval time.Duration
	RunDeadline  time.Duration
}

func New(cfg Config) *Engine {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1200 * time.Millisecond
	}
	if cfg.RunDeadline <= 0 {
		cfg.RunDeadline = 2 * time.Minute
	}
	if cfg.Formatter == nil {
		cfg.Formatter = replyfmt.New("")
	}
	return &Engine{
		registry:     cfg.Registry,
		personas:     cfg.Personas,
		ingest:       cfg.Ingest,
		llm:          cfg.LLM,
		formatter:    cfg.Formatter,
		logger:       cfg.Logger,
		metrics:      m,
		pollInterval: cfg.PollInterval,
		runDeadline:  cfg.RunDeadline,
	}
}

// Turn executes one conversation turn end to end: resolve and provision
// the session, ingest a referenced document, run the assistant, and
// write the exchange back to the session log.
func (e *Engine) Turn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	s, err := e.registry.Resolve(ctx, req.ConversationID)
	if err != nil {
		e.metrics.TurnsFailed.Inc()
		return TurnResult{}, err
	}

	cfg, err := e.personas.Load(ctx, s.PersonaName)
	if err != nil {
		e.metrics.TurnsFailed.Inc()
		return TurnResult{}, err
	}

	requested := req.Model
	if strings.TrimSpace(requested) == "" {
		requested = cfg.Model
	}
	model, substituted := modelpolicy.Resolve(requested)
	var warning string
	if substituted {
		warning = fmt.Sprintf("model %q is not available; %q was used instead", requested, model)
		e.metrics.ModelSubstitutions.Inc()
		e.logger.Warn().
			Str("conversation_id", req.ConversationID).
			Str("requested_model", requested).
			Str("model", model).
			Msg("model substituted")
	}

	result := TurnResult{
		Model:         model,
		ModelWarning:  warning,
		AssistantID:   s.AssistantID,
		ThreadID:      s.ThreadID,
		VectorStoreID: s.VectorStoreID,
	}

	if req.DocumentID != "" {
		res, err := e.ingest.Ingest(ctx, s, req.DocumentID)
		if err != nil {
			e.metrics.TurnsFailed.Inc()
			return TurnResult{}, err
		}
		if res.Notice != "" {
			noticeHTML, err := e.formatter.Render(res.Notice)
			if err != nil {
				e.metrics.TurnsFailed.Inc()
				return TurnResult{}, err
			}
			turn := session.Turn{UserMessage: "📎 資料送信: " + req.DocumentID, AIReply: noticeHTML}
			if err := e.registry.AppendTurn(ctx, req.ConversationID, turn); err != nil {
				e.metrics.TurnsFailed.Inc()
				return TurnResult{}, err
			}
			if strings.TrimSpace(req.Message) == "" {
				// Nothing to run; the notice is the whole exchange.
				result.Reply = noticeHTML
				e.metrics.TurnsProcessed.Inc()
				return result, nil
			}
		}
	}

	if strings.TrimSpace(req.Message) != "" {
		if err := e.llm.AppendMessage(ctx, s.ThreadID, "user", req.Message); err != nil {
			e.metrics.TurnsFailed.Inc()
			return TurnResult{}, fmt.Errorf("append user message: %w", err)
		}
	}

	instructions := cfg.Instructions
	if strings.TrimSpace(s.InstructionOverride) != "" {
		instructions = s.InstructionOverride
	}

	started := time.Now()
	run, err := e.llm.StartRun(ctx, s.ThreadID, llm.RunParams{
		AssistantID:      s.AssistantID,
		Model:            model,
		Instructions:     instructions,
		VectorStoreIDs:   []string{s.VectorStoreID},
		Temperature:      cfg.Temperature,
		TopP:             cfg.TopP,
		PresencePenalty:  cfg.PresencePenalty,
		FrequencyPenalty: cfg.FrequencyPenalty,
		MaxOutputTokens:  cfg.MaxOutputTokens,
		ResponseFormat:   cfg.ResponseFormat,
	})
	if err != nil {
		e.metrics.TurnsFailed.Inc()
		return TurnResult{}, fmt.Errorf("start run: %w", err)
	}

	final, err := e.awaitRun(ctx, s.ThreadID, run)
	e.metrics.RunDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		e.metrics.TurnsFailed.Inc()
		return TurnResult{}, err
	}
	if final.Status != llm.RunCompleted {
		e.metrics.TurnsFailed.Inc()
		return TurnResult{}, &RunError{Status: final.Status, LastError: final.LastError}
	}

	msgs, err := e.llm.ListRecentMessages(ctx, s.ThreadID, 1)
	if err != nil {
		e.metrics.TurnsFailed.Inc()
		return TurnResult{}, fmt.Errorf("fetch reply: %w", err)
	}
	var replyText string
	if len(msgs) > 0 {
		replyText = msgs[0].Text
	}

	replyHTML, err := e.formatter.Render(replyText)
	if err != nil {
		e.metrics.TurnsFailed.Inc()
		return TurnResult{}, err
	}

	turn := session.Turn{UserMessage: userLine(req), AIReply: replyHTML, ModelUsed: model}
	if err := e.registry.AppendTurn(ctx, req.ConversationID, turn); err != nil {
		e.metrics.TurnsFailed.Inc()
		return TurnResult{}, err
	}

	result.Reply = replyHTML
	e.metrics.TurnsProcessed.Inc()
	e.logger.Info().
		Str("conversation_id", req.ConversationID).
		Str("model", model).
		Dur("run_duration", time.Since(started)).
		Msg("turn completed")
	return result, nil
}

// awaitRun polls the run on a fixed interval until it reaches a
// terminal status, the deadline expires, or the caller goes away.
func (e *Engine) awaitRun(ctx context.Context, threadID string, run llm.Run) (llm.Run, error) {
	current := run
	if current.Status.Terminal() {
		return current, nil
	}

	pollCtx, cancel := context.WithTimeout(ctx, e.runDeadline)
	defer cancel()

	backoff := retry.WithMaxDuration(e.runDeadline, retry.NewConstant(e.pollInterval))
	err := retry.Do(pollCtx, backoff, func(ctx context.Context) error {
		r, err := e.llm.GetRun(ctx, threadID, run.ID)
		if err != nil {
			return retry.RetryableError(err)
		}
		current = r
		if !current.Status.Terminal() {
			return retry.RetryableError(errRunPending)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errRunPending) || errors.Is(err, context.DeadlineExceeded) {
			return llm.Run{}, &RunError{Status: current.Status, LastError: "polling deadline exceeded"}
		}
		return llm.Run{}, fmt.Errorf("poll run: %w", err)
	}
	return current, nil
}

func userLine(req TurnRequest) string {
	if strings.TrimSpace(req.Message) != "" {
		return req.Message
	}
	return "📎 資料送信: " + req.DocumentID
}
