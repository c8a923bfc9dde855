package persona

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	sq "github.com/Masterminds/squirrel"

	"chatrelay/internal/modelpolicy"
)

const (
	defaultInstructions = "あなたは誠実で丁寧な日本語アシスタントです。"
	defaultModel        = "gpt-4o"
	defaultTemperature  = 0.7
	defaultMaxTokens    = 1800
)

// Config is a named behavioral profile: instruction text plus
// generation parameters, independent of any single session.
type Config struct {
	Name             string
	Instructions     string
	Model            string
	Temperature      float64
	TopP             float64
	PresencePenalty  float64
	FrequencyPenalty float64
	MaxOutputTokens  int
	ResponseFormat   string
	Metadata         map[string]string
}

// RawParams carries generation parameters as they arrived on the wire.
// Numeric values may be JSON numbers or strings; coercion applies
// defaults for anything absent or non-numeric.
type RawParams struct {
	Model            string
	Temperature      any
	TopP             any
	PresencePenalty  any
	FrequencyPenalty any
	MaxOutputTokens  any
	ResponseFormat   string
	Metadata         map[string]string
}

// Default returns the built-in persona used when nothing is stored for
// the requested name.
func Default(name string) Config {
	return Config{
		Name:            name,
		Instructions:    defaultInstructions,
		Model:           defaultModel,
		Temperature:     defaultTemperature,
		MaxOutputTokens: defaultMaxTokens,
	}
}

// Update coerces parameters, normalizes the model through the
// allow-list, and overwrites any prior persona of the same name.
func (s *Store) Update(ctx context.Context, name, instructions string, params RawParams) (Config, error) {
	model, _ := modelpolicy.Resolve(params.Model)
	cfg := Config{
		Name:             name,
		Instructions:     instructions,
		Model:            model,
		Temperature:      coerceFloat(params.Temperature, defaultTemperature),
		TopP:             coerceFloat(params.TopP, 0),
		PresencePenalty:  coerceFloat(params.PresencePenalty, 0),
		FrequencyPenalty: coerceFloat(params.FrequencyPenalty, 0),
		MaxOutputTokens:  coerceInt(params.MaxOutputTokens, defaultMaxTokens),
		ResponseFormat:   params.ResponseFormat,
		Metadata:         params.Metadata,
	}

	meta := cfg.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return Config{}, fmt.Errorf("marshal persona metadata: %w", err)
	}

	q := s.sql.Insert("personas").
		Columns("name", "instructions", "model", "temperature", "top_p",
			"presence_penalty", "frequency_penalty", "max_output_tokens",
			"response_format", "metadata_json").
		Values(cfg.Name, cfg.Instructions, cfg.Model, cfg.Temperature, cfg.TopP,
			cfg.PresencePenalty, cfg.FrequencyPenalty, cfg.MaxOutputTokens,
			cfg.ResponseFormat, string(metaJSON)).
		Suffix("ON CONFLICT(name) DO UPDATE SET instructions=excluded.instructions, model=excluded.model, temperature=excluded.temperature, top_p=excluded.top_p, presence_penalty=excluded.presence_penalty, frequency_penalty=excluded.frequency_penalty, max_output_tokens=excluded.max_output_tokens, response_format=excluded.response_format, metadata_json=excluded.metadata_json")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Config{}, fmt.Errorf("build persona upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Config{}, fmt.Errorf("upsert persona: %w", err)
	}
	return cfg, nil
}

// Load returns the stored persona, or the built-in default when none
// exists for the name. Absence is not an error.
func (s *Store) Load(ctx context.Context, name string) (Config, error) {
	q := s.sql.Select("name", "instructions", "model", "temperature", "top_p",
		"presence_penalty", "frequency_penalty", "max_output_tokens",
		"response_format", "metadata_json").
		From("personas").
		Where(sq.Eq{"name": name})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Config{}, fmt.Errorf("build persona query: %w", err)
	}

	var cfg Config
	var metaJSON string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&cfg.Name,
		&cfg.Instructions,
		&cfg.Model,
		&cfg.Temperature,
		&cfg.TopP,
		&cfg.PresencePenalty,
		&cfg.FrequencyPenalty,
		&cfg.MaxOutputTokens,
		&cfg.ResponseFormat,
		&metaJSON,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Default(name), nil
		}
		return Config{}, fmt.Errorf("load persona: %w", err)
	}

	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &cfg.Metadata); err != nil {
			return Config{}, fmt.Errorf("decode persona metadata: %w", err)
		}
	}
	return cfg, nil
}

func coerceFloat(v any, def float64) float64 {
	switch t := v.(type) {
	case nil:
		return def
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return def
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f
		}
		return def
	default:
		return def
	}
}

func coerceInt(v any, def int) int {
	switch t := v.(type) {
	case nil:
		return def
	case int:
		return t
	case float64:
		return int(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n)
		}
		return def
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
		return def
	default:
		return def
	}
}
