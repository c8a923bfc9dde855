package persona

import (
	"context"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), "sqlite", "file::memory:?cache=shared", true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUpdateLoadRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	saved, err := store.Update(ctx, "noah", "丁寧に答えてください。", RawParams{
		Model:           "gpt-4o",
		Temperature:     0.3,
		TopP:            0.9,
		MaxOutputTokens: 1200,
		ResponseFormat:  "text",
		Metadata:        map[string]string{"team": "sales"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	loaded, err := store.Load(ctx, "noah")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Name != saved.Name || loaded.Instructions != saved.Instructions {
		t.Fatalf("load mismatch: %+v vs %+v", loaded, saved)
	}
	if loaded.Model != "gpt-4o" || loaded.Temperature != 0.3 || loaded.MaxOutputTokens != 1200 {
		t.Fatalf("unexpected persona %+v", loaded)
	}
	if loaded.Metadata["team"] != "sales" {
		t.Fatalf("metadata lost: %+v", loaded.Metadata)
	}
}

func TestUpdateCoercesStringNumbers(t *testing.T) {
	store := openTestStore(t)

	saved, err := store.Update(context.Background(), "coerced", "x", RawParams{
		Model:            "gpt-4o-mini",
		Temperature:      "0.5",
		TopP:             "not-a-number",
		FrequencyPenalty: "1.1",
		MaxOutputTokens:  "900",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if saved.Temperature != 0.5 {
		t.Errorf("temperature = %v, want 0.5", saved.Temperature)
	}
	if saved.TopP != 0 {
		t.Errorf("top_p = %v, want default 0", saved.TopP)
	}
	if saved.FrequencyPenalty != 1.1 {
		t.Errorf("frequency_penalty = %v, want 1.1", saved.FrequencyPenalty)
	}
	if saved.MaxOutputTokens != 900 {
		t.Errorf("max_output_tokens = %v, want 900", saved.MaxOutputTokens)
	}
}

func TestUpdateNormalizesModel(t *testing.T) {
	store := openTestStore(t)

	saved, err := store.Update(context.Background(), "substituted", "x", RawParams{Model: "gpt-5"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if saved.Model != "gpt-4o-mini" {
		t.Fatalf("expected model substituted to gpt-4o-mini, got %q", saved.Model)
	}
}

func TestUpdateOverwritesPrior(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Update(ctx, "p", "first", RawParams{Model: "gpt-4o"}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if _, err := store.Update(ctx, "p", "second", RawParams{Model: "gpt-4o-mini", Temperature: 0.1}); err != nil {
		t.Fatalf("second update: %v", err)
	}

	loaded, err := store.Load(ctx, "p")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Instructions != "second" || loaded.Model != "gpt-4o-mini" {
		t.Fatalf("expected overwrite, got %+v", loaded)
	}
}

func TestLoadMissingReturnsDefault(t *testing.T) {
	store := openTestStore(t)

	loaded, err := store.Load(context.Background(), "missing")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Name != "missing" {
		t.Fatalf("default persona should carry requested name, got %q", loaded.Name)
	}
	if loaded.Model != defaultModel || loaded.Temperature != defaultTemperature || loaded.MaxOutputTokens != defaultMaxTokens {
		t.Fatalf("unexpected default persona %+v", loaded)
	}
	if loaded.Instructions == "" {
		t.Fatal("default persona has no instructions")
	}
}
