// Package translate turns message text between English and Brazilian
// Portuguese through a language model.
package translate

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/c360/chatrelay/errors"
	"github.com/c360/chatrelay/pkg/retry"
)

// Direction is a translation pair.
type Direction string

// Supported directions.
const (
	EnglishToPortuguese Direction = "en-to-pt"
	PortugueseToEnglish Direction = "pt-to-en"
)

// Unavailable replaces a translation that could not be produced.
const Unavailable = "⚠️ translation unavailable"

// ParseDirection validates a direction string.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case EnglishToPortuguese, PortugueseToEnglish:
		return d, nil
	default:
		return "", errors.WrapInvalid(errors.ErrInvalidData, "translate", "ParseDirection", "unknown direction "+s)
	}
}

// Source returns the source language code.
func (d Direction) Source() string {
	src, _, _ := strings.Cut(string(d), "-to-")
	return src
}

// Target returns the target language code.
func (d Direction) Target() string {
	_, dst, _ := strings.Cut(string(d), "-to-")
	return dst
}

// Prompt builds the model prompt for text.
func Prompt(text string, d Direction) string {
	switch d {
	case EnglishToPortuguese:
		return "Translate to Brazilian Portuguese:\n\n\"" + text + "\""
	case PortugueseToEnglish:
		return "Translate to English:\n\n\"" + text + "\""
	default:
		return "Translate:\n\n\"" + text + "\""
	}
}

// Config holds translator settings.
type Config struct {
	OllamaHost string
	Model      string
	Timeout    time.Duration
	// Attempts and Delay define the fixed-backoff retry policy.
	Attempts int
	Delay    time.Duration
}

// DefaultConfig mirrors a local Ollama install.
func DefaultConfig() Config {
	return Config{
		OllamaHost: "http://localhost:11434",
		Model:      "llama3",
		Timeout:    60 * time.Second,
		Attempts:   3,
		Delay:      500 * time.Millisecond,
	}
}

// NewOllamaModel creates an Ollama-backed model.
func NewOllamaModel(cfg Config) (llms.Model, error) {
	llm, err := ollama.New(
		ollama.WithServerURL(cfg.OllamaHost),
		ollama.WithModel(cfg.Model),
		ollama.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	)
	if err != nil {
		return nil, errors.WrapFatal(err, "translate", "NewOllamaModel", "create ollama client")
	}
	return llm, nil
}

// Translator calls the model with bounded retries.
type Translator struct {
	model  llms.Model
	policy retry.Config
	logger *slog.Logger
}

// New creates a translator.
func New(model llms.Model, cfg Config, logger *slog.Logger) *Translator {
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	return &Translator{
		model:  model,
		policy: retry.Fixed(attempts, cfg.Delay),
		logger: logger.With("component", "translator"),
	}
}

// Translate returns the translation of text or an error after all attempts fail.
func (t *Translator) Translate(ctx context.Context, text string, d Direction) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidData, "translate", "Translate", "empty text")
	}
	prompt := Prompt(text, d)

	out, err := retry.DoWithResult(ctx, t.policy, func() (string, error) {
		resp, err := llms.GenerateFromSinglePrompt(ctx, t.model, prompt)
		if err != nil {
			if missingModel(err) {
				return "", retry.NonRetryable(err)
			}
			return "", err
		}
		resp = clean(resp)
		if resp == "" {
			return "", errors.ErrInvalidData
		}
		return resp, nil
	})
	if err != nil {
		return "", errors.WrapTransient(err, "translate", "Translate", "generate translation")
	}
	return out, nil
}

// missingModel reports an error the server will repeat until the model is pulled.
func missingModel(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "model") && strings.Contains(msg, "not found")
}

// TranslateOrFallback never fails: it returns Unavailable when Translate does.
func (t *Translator) TranslateOrFallback(ctx context.Context, text string, d Direction) string {
	out, err := t.Translate(ctx, text, d)
	if err != nil {
		t.logger.Warn("Translation failed", "direction", d, "error", err)
		return Unavailable
	}
	return out
}

// clean strips whitespace and the quotes the prompt wraps around the text.
func clean(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}
