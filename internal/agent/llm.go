package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/WardWatch/internal/models"
)

// JSONGenerator is the slice of genai.Client the LLM provider needs.
type JSONGenerator interface {
	GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

const systemPrompt = `You assist ward nurses monitoring patients for cytokine release syndrome and neurotoxicity.
Monitoring levels, lowest to highest: BASELINE, ENHANCED, CRITICAL.
Given the current level and a short history of vital and behavioral metrics, decide whether monitoring should be raised.
Never propose a level lower than the current one; lowering happens automatically.
Reply with one JSON object: {"proposed_level": "BASELINE|ENHANCED|CRITICAL", "reasoning": "...", "concerns": ["..."], "confidence": 0.0-1.0}.`

// LLMProvider asks a chat model for a proposal.
type LLMProvider struct {
	gen  JSONGenerator
	name string
}

// NewLLMProvider creates a provider backed by gen. model labels metrics.
func NewLLMProvider(gen JSONGenerator, model string) *LLMProvider {
	name := "llm"
	if model != "" {
		name = "llm:" + model
	}
	return &LLMProvider{gen: gen, name: name}
}

func (p *LLMProvider) Name() string { return p.name }

type historyEntry struct {
	Timestamp     time.Time           `json:"timestamp"`
	Source        models.Source       `json:"source"`
	Metrics       models.MetricValues `json:"metrics"`
	AlertTriggers []string            `json:"alert_triggers,omitempty"`
}

type llmResponse struct {
	ProposedLevel string   `json:"proposed_level"`
	Reasoning     string   `json:"reasoning"`
	Concerns      []string `json:"concerns"`
	Confidence    float64  `json:"confidence"`
}

func (p *LLMProvider) Propose(ctx context.Context, req Request) (*models.AgentDecision, error) {
	entries := make([]historyEntry, 0, len(req.History))
	for _, s := range req.History {
		entries = append(entries, historyEntry{Timestamp: s.Timestamp, Source: s.Source, Metrics: s.Metrics, AlertTriggers: s.AlertTriggers})
	}
	user, err := json.Marshal(map[string]any{
		"patient_id":    req.PatientID,
		"current_level": req.Level.String(),
		"history":       entries,
	})
	if err != nil {
		return nil, fmt.Errorf("encode agent request: %w", err)
	}

	raw, err := p.gen.GenerateJSON(ctx, systemPrompt, string(user))
	if err != nil {
		return nil, err
	}
	return parseDecision(raw)
}

// parseDecision decodes the model reply. Fenced code blocks are tolerated.
func parseDecision(raw string) (*models.AgentDecision, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var resp llmResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &resp); err != nil {
		return nil, fmt.Errorf("decode agent reply: %w", err)
	}
	level, err := models.ParseLevel(resp.ProposedLevel)
	if err != nil {
		return nil, fmt.Errorf("agent reply: %w", err)
	}
	return &models.AgentDecision{
		ProposedLevel: level,
		Reasoning:     strings.TrimSpace(resp.Reasoning),
		Concerns:      resp.Concerns,
		Confidence:    resp.Confidence,
	}, nil
}
