package llm

import (
	"context"
	"encoding/json"

	"github.com/sempervigil/sempervigil/internal/store"
)

// Profile binds a model, prompt, and sampling parameters for one stage.
// FallbackModel, when set, is tried after the primary model fails.
type Profile struct {
	ID            string          `json:"id"`
	Model         string          `json:"model"`
	FallbackModel string          `json:"fallback_model,omitempty"`
	PromptName    string          `json:"prompt_name"`
	Prompt        string          `json:"prompt"`
	Temperature   float64         `json:"temperature,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Schema        json.RawMessage `json:"schema,omitempty"`
}

const defaultSummarizePrompt = "You are a security news editor. Summarize the " +
	"following article in 3-5 plain sentences for a vulnerability intelligence " +
	"digest. Mention affected products and CVE identifiers when present. " +
	"Do not speculate.\n\nArticle:\n{{input}}"

// SettingsStore reads the operator-tunable runtime configuration.
type SettingsStore interface {
	RuntimeConfig(ctx context.Context) (*store.RuntimeSnapshot, error)
}

// RouterConfig supplies file-level defaults the runtime config can override.
type RouterConfig struct {
	DefaultModel  string
	FallbackModel string
	Temperature   float64
	MaxTokens     int
	FailOpen      bool
}

// Router resolves which profile, if any, serves a pipeline stage.
// Routing lives in runtime config under "llm.routes.<stage>" so
// operators can flip stages without a restart.
type Router struct {
	settings SettingsStore
	cfg      RouterConfig
}

// NewRouter builds a Router.
func NewRouter(settings SettingsStore, cfg RouterConfig) *Router {
	return &Router{settings: settings, cfg: cfg}
}

// Routed reports whether the stage has a usable profile.
func (r *Router) Routed(ctx context.Context, stage string) (bool, error) {
	profile, routed, err := r.ProfileFor(ctx, stage)
	if err != nil {
		return false, err
	}
	return routed && profile.Model != "", nil
}

// ProfileFor resolves the stage's profile. The default profile uses the
// configured model and the built-in prompt; runtime config can replace
// it wholesale under "llm.profiles.<id>".
func (r *Router) ProfileFor(ctx context.Context, stage string) (Profile, bool, error) {
	snap, err := r.settings.RuntimeConfig(ctx)
	if err != nil {
		return Profile{}, false, err
	}

	defaultRoute := ""
	if r.cfg.DefaultModel != "" {
		defaultRoute = "default"
	}
	profileID := snap.String("llm.routes."+stage, defaultRoute)
	if profileID == "" {
		return Profile{}, false, nil
	}

	profile := Profile{
		ID:            profileID,
		Model:         r.cfg.DefaultModel,
		FallbackModel: r.cfg.FallbackModel,
		PromptName:    stage,
		Prompt:        promptForStage(stage),
		Temperature:   r.cfg.Temperature,
		MaxTokens:     r.cfg.MaxTokens,
	}
	if raw := snap.Get("llm.profiles." + profileID); raw != nil {
		if err := json.Unmarshal(raw, &profile); err == nil {
			profile.ID = profileID
		}
	}
	return profile, true, nil
}

// FailOpen reports whether a summarization failure still publishes the
// article with its feed summary.
func (r *Router) FailOpen(ctx context.Context) bool {
	snap, err := r.settings.RuntimeConfig(ctx)
	if err != nil {
		return r.cfg.FailOpen
	}
	return snap.Bool("llm.fail_open", r.cfg.FailOpen)
}

func promptForStage(stage string) string {
	switch stage {
	case "summarize_article":
		return defaultSummarizePrompt
	default:
		return "Process the following input.\n\n{{input}}"
	}
}
