package insight

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/seren-labs/insightd/config"
	"github.com/seren-labs/insightd/provider"
)

const foundationSystem = `You are an analyst producing a structured memory review for one user.
Respond ONLY with valid JSON matching the requested schema.`

const strategicSystem = `You are an analyst producing strategic insights, ontology maintenance
instructions and growth observations for one user, continuing your earlier memory review.
Respond ONLY with valid JSON matching the requested schema.`

// StageToolConfig resolves the model routing for one stage.
type StageToolConfig struct {
	Model           config.LLMModel
	Temperature     float64
	MaxOutputTokens int
}

// ResolveStageModel looks up the routed model for a stage, falling back to the
// routing fallback when the stage has no explicit entry. It returns the
// provider that hosts the model so callers can build a client for it.
func ResolveStageModel(llm config.LLMConfig, stage string) (config.LLMProvider, config.LLMModel, error) {
	var key string
	switch stage {
	case StageFoundation:
		key = llm.Routing.Foundation
	case StageStrategic:
		key = llm.Routing.Strategic
	}
	if key == "" {
		key = llm.Routing.Fallback
	}
	if key == "" {
		return config.LLMProvider{}, config.LLMModel{}, fmt.Errorf("no model routed for stage %s", stage)
	}
	for _, p := range llm.Providers {
		if model, ok := p.Models[key]; ok {
			return p, model, nil
		}
	}
	return config.LLMProvider{}, config.LLMModel{}, fmt.Errorf("routed model %q not found in any provider", key)
}

// LLMFoundationTool runs the Foundation stage against an LLM provider.
type LLMFoundationTool struct {
	llm   provider.Provider
	model config.LLMModel
}

// NewLLMFoundationTool creates the Foundation stage tool.
func NewLLMFoundationTool(llm provider.Provider, model config.LLMModel) *LLMFoundationTool {
	return &LLMFoundationTool{llm: llm, model: model}
}

// foundationPayload is the schema the Foundation model must satisfy.
type foundationPayload struct {
	MemoryProfile string     `json:"memory_profile"`
	Opening       Opening    `json:"opening"`
	KeyPhrases    KeyPhrases `json:"key_phrases"`
}

// Execute invokes the model and validates the discriminated result shape at
// this boundary, not inside the persister.
func (t *LLMFoundationTool) Execute(ctx context.Context, input CycleContext) (FoundationResult, error) {
	prompt, err := buildFoundationPrompt(input)
	if err != nil {
		return FoundationResult{}, err
	}

	resp, err := t.llm.Complete(ctx, provider.CompletionRequest{
		Model:       t.model.APIName,
		System:      foundationSystem,
		Prompt:      prompt,
		Temperature: t.model.Temperature,
		MaxTokens:   t.model.MaxTokens,
	})
	if err != nil {
		return FoundationResult{}, err
	}

	raw := extractJSON(resp.Content)
	var payload foundationPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return FoundationResult{}, fmt.Errorf("foundation response is not valid JSON: %w", err)
	}
	if payload.KeyPhrases == nil {
		payload.KeyPhrases = KeyPhrases{}
	}

	return FoundationResult{
		MemoryProfile: payload.MemoryProfile,
		Opening:       payload.Opening,
		KeyPhrases:    payload.KeyPhrases,
		PromptText:    prompt,
		Usage:         usage(t.model, resp),
		Raw:           raw,
	}, nil
}

// LLMStrategicTool runs the Strategic stage as a continuation of the
// Foundation prompt.
type LLMStrategicTool struct {
	llm   provider.Provider
	model config.LLMModel
}

// NewLLMStrategicTool creates the Strategic stage tool.
func NewLLMStrategicTool(llm provider.Provider, model config.LLMModel) *LLMStrategicTool {
	return &LLMStrategicTool{llm: llm, model: model}
}

// Execute invokes the model with the Foundation prompt text replayed ahead of
// the Strategic instructions so the transport can reuse cached context.
func (t *LLMStrategicTool) Execute(ctx context.Context, input CycleContext, foundation FoundationResult, priorPromptText string) (StrategicResult, error) {
	prompt, err := buildStrategicPrompt(input, foundation)
	if err != nil {
		return StrategicResult{}, err
	}

	resp, err := t.llm.Complete(ctx, provider.CompletionRequest{
		Model:           t.model.APIName,
		System:          strategicSystem,
		Prompt:          prompt,
		PriorPromptText: priorPromptText,
		Temperature:     t.model.Temperature,
		MaxTokens:       t.model.MaxTokens,
	})
	if err != nil {
		return StrategicResult{}, err
	}

	raw := extractJSON(resp.Content)
	var result StrategicResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return StrategicResult{}, fmt.Errorf("strategic response is not valid JSON: %w", err)
	}
	result.Usage = usage(t.model, resp)
	result.Raw = raw
	return result, nil
}

func buildFoundationPrompt(input CycleContext) (string, error) {
	contextJSON, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal cycle context: %w", err)
	}
	var b strings.Builder
	b.WriteString("Review the user's recent activity and produce a foundation analysis.\n")
	b.WriteString("Return JSON with keys: memory_profile (string), opening ({title, content}), key_phrases (map of category -> [phrases]).\n\n")
	b.WriteString("USER ACTIVITY:\n")
	b.Write(contextJSON)
	return b.String(), nil
}

func buildStrategicPrompt(input CycleContext, foundation FoundationResult) (string, error) {
	candidates := make([]string, 0, len(input.SynthesisCandidates))
	for _, c := range input.SynthesisCandidates {
		candidates = append(candidates, c.ID)
	}
	hint, err := json.Marshal(candidates)
	if err != nil {
		return "", fmt.Errorf("marshal synthesis candidates: %w", err)
	}
	var b strings.Builder
	b.WriteString("Building on the foundation analysis above, produce strategic outputs.\n")
	b.WriteString("Return JSON with keys: derived_artifacts, proactive_prompts, growth_events, ")
	b.WriteString("concepts_to_merge, concepts_to_archive, communities_to_create, concept_descriptions, strategic_relationships.\n\n")
	b.WriteString("FOUNDATION MEMORY PROFILE:\n")
	b.WriteString(foundation.MemoryProfile)
	b.WriteString("\n\nCONCEPTS NEEDING DESCRIPTION SYNTHESIS: ")
	b.Write(hint)
	return b.String(), nil
}

func usage(model config.LLMModel, resp provider.CompletionResponse) ToolUsage {
	name := resp.Model
	if name == "" {
		name = model.APIName
	}
	cost := float64(resp.PromptTokens)/1000.0*model.CostPer1K +
		float64(resp.CompletionTokens)/1000.0*model.CostPer1KOutput
	return ToolUsage{
		Model:      name,
		TokensUsed: resp.PromptTokens + resp.CompletionTokens,
		Cost:       cost,
	}
}

// extractJSON strips markdown fences models sometimes wrap around JSON output.
func extractJSON(content string) json.RawMessage {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return json.RawMessage(s)
}
