package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"chatrelay/internal/llm"
	"chatrelay/internal/metrics"
	"chatrelay/internal/recordstore"
	"chatrelay/internal/session"
)

const fieldAttachment = "file_attach"

var ErrDocumentNotFound = errors.New("document not found")

// Result reports what happened to a document reference. A non-empty
// Notice means the document was skipped without error; the notice is
// appended to the conversation log instead of a reply.
type Result struct {
	Ingested bool
	Notice   string
}

type Pipeline struct {
	records  *recordstore.Client
	docApp   recordstore.App
	llm      llm.Service
	registry *session.Registry
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

type Config struct {
	Records  *recordstore.Client
	DocApp   recordstore.App
	LLM      llm.Service
	Registry *session.Registry
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

func New(cfg Config) *Pipeline {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Pipeline{
		records:  cfg.Records,
		docApp:   cfg.DocApp,
		llm:      cfg.LLM,
		registry: cfg.Registry,
		logger:   cfg.Logger,
		metrics:  m,
	}
}

// Ingest resolves a document reference, downloads its first attachment,
// uploads it to the assistants file store, and registers it against the
// session's vector store, blocking until indexing finishes. Documents
// already ingested for this session are skipped.
func (p *Pipeline) Ingest(ctx context.Context, s *session.ChatSession, documentID string) (Result, error) {
	if s.Ingested(documentID) {
		p.metrics.IngestSkipped.Inc()
		return Result{Notice: fmt.Sprintf("資料「%s」は既に取り込み済みです。", documentID)}, nil
	}

	doc, err := p.records.FirstMatching(ctx, p.docApp, fmt.Sprintf("documentID = %q", documentID))
	if err != nil {
		if errors.Is(err, recordstore.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
		}
		return Result{}, fmt.Errorf("resolve document: %w", err)
	}

	attachments := doc.Attachments(fieldAttachment)
	if len(attachments) == 0 {
		p.metrics.IngestSkipped.Inc()
		return Result{Notice: fmt.Sprintf("資料「%s」には添付ファイルがありません。", documentID)}, nil
	}
	attach := attachments[0]

	data, err := p.records.DownloadFile(ctx, p.docApp, attach.FileKey)
	if err != nil {
		return Result{}, fmt.Errorf("download attachment: %w", err)
	}

	fileID, err := p.llm.UploadFile(ctx, attach.Name, data)
	if err != nil {
		return Result{}, fmt.Errorf("upload attachment: %w", err)
	}
	if err := p.llm.AttachFileToVectorStore(ctx, s.VectorStoreID, fileID); err != nil {
		return Result{}, fmt.Errorf("register file to vector store: %w", err)
	}

	if err := p.registry.MarkIngested(ctx, s.ID, documentID); err != nil {
		return Result{}, err
	}

	p.metrics.DocumentsIngested.Inc()
	p.logger.Info().
		Str("conversation_id", s.ID).
		Str("document_id", documentID).
		Str("file_id", fileID).
		Str("vector_store_id", s.VectorStoreID).
		Msg("document ingested")
	return Result{Ingested: true}, nil
}
