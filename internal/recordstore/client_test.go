package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestFirstMatching(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/k/v1/records.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Cybozu-API-Token"); got != "tok-1" {
			t.Errorf("unexpected token header %q", got)
		}
		if got := r.URL.Query().Get("query"); got != `$id = 42` {
			t.Errorf("unexpected query %q", got)
		}
		_, _ = w.Write([]byte(`{"records":[{"$id":{"type":"__ID__","value":"42"},"thread_id":{"type":"SINGLE_LINE_TEXT","value":"thread_7"}}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	rec, err := c.FirstMatching(context.Background(), App{ID: "10", Token: "tok-1"}, `$id = 42`)
	if err != nil {
		t.Fatalf("first matching: %v", err)
	}
	if rec.String("thread_id") != "thread_7" {
		t.Fatalf("unexpected thread_id %q", rec.String("thread_id"))
	}
}

func TestFirstMatchingNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"records":[]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.FirstMatching(context.Background(), App{ID: "10"}, `$id = 9`)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateRecordPayload(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/k/v1/record.json" {
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	err := c.UpdateRecord(context.Background(), App{ID: "10", Token: "tok"}, "42", Record{
		"assistant_id": Text("asst_1"),
	})
	if err != nil {
		t.Fatalf("update record: %v", err)
	}
	if payload["app"] != "10" || payload["id"] != "42" {
		t.Fatalf("unexpected envelope %#v", payload)
	}
	rec, _ := payload["record"].(map[string]any)
	field, _ := rec["assistant_id"].(map[string]any)
	if field["value"] != "asst_1" {
		t.Fatalf("unexpected field payload %#v", rec)
	}
}

func TestCallRetriesTemporaryFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"records":[]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 2, BackoffBase: time.Millisecond})
	if _, err := c.Records(context.Background(), App{ID: "10"}, ""); err != nil {
		t.Fatalf("records: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestDownloadFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/k/v1/file.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("fileKey"); got != "key-1" {
			t.Errorf("unexpected fileKey %q", got)
		}
		_, _ = w.Write([]byte("binary-bytes"))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	data, err := c.DownloadFile(context.Background(), App{ID: "20", Token: "tok"}, "key-1")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(data) != "binary-bytes" {
		t.Fatalf("unexpected body %q", data)
	}
}

func TestDownloadFileRetriesTemporaryFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("binary-bytes"))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 2, BackoffBase: time.Millisecond})
	data, err := c.DownloadFile(context.Background(), App{ID: "20", Token: "tok"}, "key-1")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(data) != "binary-bytes" {
		t.Fatalf("unexpected body %q", data)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestSubtableRoundTrip(t *testing.T) {
	raw := `{"chat_log":{"type":"SUBTABLE","value":[{"id":"1","value":{"user_message":{"type":"MULTI_LINE_TEXT","value":"hello"},"ai_reply":{"type":"MULTI_LINE_TEXT","value":"<p>hi</p>"}}}]}}`
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	rows := rec.Rows("chat_log")
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].String("user_message") != "hello" {
		t.Fatalf("unexpected user_message %q", rows[0].String("user_message"))
	}

	rows = append(rows, Record{"user_message": Text("again")})
	out, err := json.Marshal(Record{"chat_log": Table(rows)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Record
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("unmarshal round trip: %v", err)
	}
	got := back.Rows("chat_log")
	if len(got) != 2 || got[1].String("user_message") != "again" {
		t.Fatalf("unexpected round trip rows %#v", got)
	}
}

func TestAttachments(t *testing.T) {
	raw := `{"file_attach":{"type":"FILE","value":[{"fileKey":"k1","name":"handbook.pdf","contentType":"application/pdf","size":"123"}]}}`
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	atts := rec.Attachments("file_attach")
	if len(atts) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(atts))
	}
	if atts[0].FileKey != "k1" || atts[0].Name != "handbook.pdf" {
		t.Fatalf("unexpected attachment %+v", atts[0])
	}
}
