package store

import (
	"context"

	"github.com/sempervigil/sempervigil/internal/model"
)

// AppendLLMRun records one provider call in the append-only journal.
func (s *Store) AppendLLMRun(ctx context.Context, run *model.LLMRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO llm_runs
			(ts, profile_id, provider_id, model_id, prompt_name, input_chars,
			 output_chars, prompt_tokens, output_tokens, latency_ms, ok, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.TS, run.ProfileID, run.ProviderID, run.ModelID, run.PromptName,
		run.InputChars, run.OutputChars, run.PromptTokens, run.OutputTokens,
		run.LatencyMS, run.OK, run.Error)
	if err != nil {
		return classify("append llm run", err)
	}
	return nil
}

// ListLLMRuns returns recent provider calls, newest first.
func (s *Store) ListLLMRuns(ctx context.Context, limit int) ([]model.LLMRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, ts, profile_id, provider_id, model_id, prompt_name, input_chars,
		       output_chars, prompt_tokens, output_tokens, latency_ms, ok, error
		FROM llm_runs
		ORDER BY ts DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, classify("list llm runs", err)
	}
	defer rows.Close()

	var runs []model.LLMRun
	for rows.Next() {
		var r model.LLMRun
		if err := rows.Scan(&r.ID, &r.TS, &r.ProfileID, &r.ProviderID, &r.ModelID,
			&r.PromptName, &r.InputChars, &r.OutputChars, &r.PromptTokens,
			&r.OutputTokens, &r.LatencyMS, &r.OK, &r.Error); err != nil {
			return nil, classify("scan llm run", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// PutProviderSecret stores an AES-GCM wrapped provider API key.
func (s *Store) PutProviderSecret(ctx context.Context, providerID, wrapped string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO provider_secrets (provider_id, wrapped_key)
		VALUES ($1, $2)
		ON CONFLICT (provider_id) DO UPDATE SET
			wrapped_key = EXCLUDED.wrapped_key,
			updated_at = now()`, providerID, wrapped)
	if err != nil {
		return classify("put provider secret", err)
	}
	return nil
}

// GetProviderSecret returns the wrapped provider API key.
func (s *Store) GetProviderSecret(ctx context.Context, providerID string) (string, error) {
	var wrapped string
	err := s.pool.QueryRow(ctx, `
		SELECT wrapped_key FROM provider_secrets WHERE provider_id = $1`,
		providerID).Scan(&wrapped)
	if err != nil {
		return "", classify("get provider secret", err)
	}
	return wrapped, nil
}
