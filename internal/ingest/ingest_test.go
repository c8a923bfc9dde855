package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"chatrelay/internal/llm"
	"chatrelay/internal/recordstore"
	"chatrelay/internal/session"
)

// fakeBackend serves both the chat app and the document app plus file
// downloads.
type fakeBackend struct {
	mu        sync.Mutex
	chats     map[string]map[string]any
	documents map[string]map[string]any
	downloads int
}

func (f *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/k/v1/records.json", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("query")
		parts := strings.Fields(query)
		key := strings.Trim(parts[len(parts)-1], `"`)

		f.mu.Lock()
		var rec map[string]any
		var ok bool
		if strings.HasPrefix(query, "documentID") {
			rec, ok = f.documents[key]
		} else {
			rec, ok = f.chats[key]
		}
		f.mu.Unlock()

		out := map[string]any{"records": []any{}}
		if ok {
			out["records"] = []any{rec}
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/k/v1/record.json", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			ID     string                    `json:"id"`
			Record map[string]map[string]any `json:"record"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		f.mu.Lock()
		defer f.mu.Unlock()
		rec, ok := f.chats[payload.ID]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		for k, v := range payload.Record {
			rec[k] = map[string]any{"value": v["value"]}
		}
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/k/v1/file.json", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.downloads++
		f.mu.Unlock()
		_, _ = w.Write([]byte("attachment-bytes"))
	})
	return mux
}

type uploadingLLM struct {
	mu       sync.Mutex
	uploads  []string
	attached []string
}

func (f *uploadingLLM) CreateAssistant(context.Context, string, string, string) (string, error) {
	return "asst_1", nil
}
func (f *uploadingLLM) CreateThread(context.Context) (string, error) { return "thread_1", nil }
func (f *uploadingLLM) CreateVectorStore(context.Context, string) (string, error) {
	return "vs_1", nil
}
func (f *uploadingLLM) UploadFile(_ context.Context, filename string, _ []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, filename)
	return "file_1", nil
}
func (f *uploadingLLM) AttachFileToVectorStore(_ context.Context, storeID, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, storeID+"/"+fileID)
	return nil
}
func (f *uploadingLLM) AppendMessage(context.Context, string, string, string) error { return nil }
func (f *uploadingLLM) StartRun(context.Context, string, llm.RunParams) (llm.Run, error) {
	return llm.Run{}, nil
}
func (f *uploadingLLM) GetRun(context.Context, string, string) (llm.Run, error) {
	return llm.Run{}, nil
}
func (f *uploadingLLM) ListRecentMessages(context.Context, string, int) ([]llm.Message, error) {
	return nil, nil
}

var _ llm.Service = (*uploadingLLM)(nil)

func newTestPipeline(t *testing.T, backend *fakeBackend, service llm.Service) *Pipeline {
	t.Helper()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	records := recordstore.New(recordstore.Config{BaseURL: srv.URL})
	registry := session.NewRegistry(session.RegistryConfig{
		Records: records,
		ChatApp: recordstore.App{ID: "10", Token: "tok"},
		LLM:     service,
		Logger:  zerolog.Nop(),
	})
	return New(Config{
		Records:  records,
		DocApp:   recordstore.App{ID: "20", Token: "doc-tok"},
		LLM:      service,
		Registry: registry,
		Logger:   zerolog.Nop(),
	})
}

func chatRecord() map[string]any {
	return map[string]any{"$id": map[string]any{"value": "1"}}
}

func docRecord(withAttachment bool) map[string]any {
	rec := map[string]any{"documentID": map[string]any{"value": "DOC-1"}}
	if withAttachment {
		rec["file_attach"] = map[string]any{"value": []any{
			map[string]any{"fileKey": "key-1", "name": "manual.pdf", "contentType": "application/pdf"},
		}}
	} else {
		rec["file_attach"] = map[string]any{"value": []any{}}
	}
	return rec
}

func TestIngestUploadsAndRegisters(t *testing.T) {
	backend := &fakeBackend{
		chats:     map[string]map[string]any{"1": chatRecord()},
		documents: map[string]map[string]any{"DOC-1": docRecord(true)},
	}
	service := &uploadingLLM{}
	p := newTestPipeline(t, backend, service)

	s := &session.ChatSession{ID: "1", VectorStoreID: "vs_1"}
	res, err := p.Ingest(context.Background(), s, "DOC-1")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !res.Ingested || res.Notice != "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(service.uploads) != 1 || service.uploads[0] != "manual.pdf" {
		t.Fatalf("unexpected uploads %v", service.uploads)
	}
	if len(service.attached) != 1 || service.attached[0] != "vs_1/file_1" {
		t.Fatalf("unexpected attachments %v", service.attached)
	}
	if backend.downloads != 1 {
		t.Fatalf("expected 1 download, got %d", backend.downloads)
	}
}

func TestIngestNoAttachmentIsNotice(t *testing.T) {
	backend := &fakeBackend{
		chats:     map[string]map[string]any{"1": chatRecord()},
		documents: map[string]map[string]any{"DOC-1": docRecord(false)},
	}
	service := &uploadingLLM{}
	p := newTestPipeline(t, backend, service)

	res, err := p.Ingest(context.Background(), &session.ChatSession{ID: "1", VectorStoreID: "vs_1"}, "DOC-1")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Ingested || res.Notice == "" {
		t.Fatalf("expected a skip notice, got %+v", res)
	}
	if len(service.uploads) != 0 {
		t.Fatalf("no upload expected, got %v", service.uploads)
	}
}

func TestIngestUnknownDocument(t *testing.T) {
	backend := &fakeBackend{
		chats:     map[string]map[string]any{"1": chatRecord()},
		documents: map[string]map[string]any{},
	}
	p := newTestPipeline(t, backend, &uploadingLLM{})

	_, err := p.Ingest(context.Background(), &session.ChatSession{ID: "1"}, "DOC-404")
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestIngestSkipsAlreadyIngested(t *testing.T) {
	backend := &fakeBackend{
		chats:     map[string]map[string]any{"1": chatRecord()},
		documents: map[string]map[string]any{"DOC-1": docRecord(true)},
	}
	service := &uploadingLLM{}
	p := newTestPipeline(t, backend, service)

	s := &session.ChatSession{ID: "1", VectorStoreID: "vs_1", IngestedDocs: []string{"DOC-1"}}
	res, err := p.Ingest(context.Background(), s, "DOC-1")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Ingested || res.Notice == "" {
		t.Fatalf("expected dedup skip, got %+v", res)
	}
	if len(service.uploads) != 0 {
		t.Fatalf("dedup should not upload, got %v", service.uploads)
	}
}
