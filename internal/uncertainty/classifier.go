package uncertainty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/ledgerd/internal/config"
)

// Classifier defaults: 50 requests per minute, bursts of 5.
const (
	defaultRateLimit = 50.0 / 60.0
	defaultBurst     = 5
	defaultTimeout   = 30 * time.Second
	defaultModel     = "gpt-4o-mini"
)

// ClassifiedSignal is one finding reported by a classifier.
type ClassifiedSignal struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Classification is a classifier's verdict on a piece of text.
type Classification struct {
	HasUncertainty  bool               `json:"has_uncertainty"`
	ShouldHalt      bool               `json:"should_halt"`
	ConfidenceScore float64            `json:"confidence_score"`
	Signals         []ClassifiedSignal `json:"signals"`
	Summary         string             `json:"summary"`
	Model           string             `json:"model,omitempty"`
	Latency         time.Duration      `json:"latency_ns,omitempty"`
}

// SemanticClassifier finds uncertainty that the lexical pass cannot.
type SemanticClassifier interface {
	Classify(ctx context.Context, content, hint, taskType string) (*Classification, error)
}

// ClassifierOptions tunes an LLMClassifier.
type ClassifierOptions struct {
	ModelName string
	RateLimit float64
	Burst     int
	Timeout   time.Duration
}

// LLMClassifier is a SemanticClassifier backed by a langchaingo model.
type LLMClassifier struct {
	model     llms.Model
	modelName string
	limiter   *rate.Limiter
	timeout   time.Duration
}

// NewLLMClassifier wraps model. Zero options take the package defaults.
func NewLLMClassifier(model llms.Model, opts ClassifierOptions) (*LLMClassifier, error) {
	if model == nil {
		return nil, errors.New("llm model is required")
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}
	if opts.Burst <= 0 {
		opts.Burst = defaultBurst
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ModelName == "" {
		opts.ModelName = defaultModel
	}
	return &LLMClassifier{
		model:     model,
		modelName: opts.ModelName,
		limiter:   rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst),
		timeout:   opts.Timeout,
	}, nil
}

// NewOpenAIClassifier builds a classifier for any OpenAI-compatible
// endpoint from configuration.
func NewOpenAIClassifier(cfg config.ClassifierConfig) (*LLMClassifier, error) {
	if !cfg.APIKey.IsSet() {
		return nil, errors.New("classifier api key required")
	}
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey.Value()),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}
	return NewLLMClassifier(llm, ClassifierOptions{
		ModelName: cfg.Model,
		RateLimit: cfg.RateLimit,
		Burst:     cfg.Burst,
		Timeout:   cfg.Timeout,
	})
}

const classifyPrompt = `You review text written by an automated software agent and decide whether the agent is uncertain about its own work.

Look for unstated assumptions, guesses presented as facts, missing information the agent glossed over, and contradictions.

Task type: %s
Context: %s

Text:
"""
%s
"""

Respond ONLY with a JSON object:
{"has_uncertainty": bool, "should_halt": bool, "confidence_score": number between 0 and 1, "signals": [{"type": "snake_case_kind", "description": "..."}], "summary": "..."}`

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// Classify asks the model for a verdict. Calls are rate limited and bounded
// by the configured timeout.
func (c *LLMClassifier) Classify(ctx context.Context, content, hint, taskType string) (*Classification, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	prompt := fmt.Sprintf(classifyPrompt, taskType, hint, content)
	out, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt,
		llms.WithTemperature(0),
		llms.WithMaxTokens(512),
	)
	if err != nil {
		return nil, fmt.Errorf("classifier call failed: %w", err)
	}

	raw := jsonObject.FindString(strings.TrimSpace(out))
	if raw == "" {
		return nil, fmt.Errorf("classifier returned no json object")
	}
	var res Classification
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("failed to parse classifier response: %w", err)
	}
	res.Model = c.modelName
	res.Latency = time.Since(start)
	return &res, nil
}
