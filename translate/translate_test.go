package translate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/c360/chatrelay/errors"
)

// scriptedModel answers from a list of replies, one per call.
type scriptedModel struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	prompts []string
}

func (m *scriptedModel) GenerateContent(_ context.Context, msgs []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(msgs) > 0 && len(msgs[0].Parts) > 0 {
		if tc, ok := msgs[0].Parts[0].(llms.TextContent); ok {
			m.prompts = append(m.prompts, tc.Text)
		}
	}
	i := len(m.prompts) - 1
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	reply := ""
	if i < len(m.replies) {
		reply = m.replies[i]
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: reply}}}, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, opts...)
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Delay = time.Millisecond
	return cfg
}

func TestPrompt(t *testing.T) {
	tests := []struct {
		dir  Direction
		want string
	}{
		{EnglishToPortuguese, "Translate to Brazilian Portuguese:\n\n\"hi\""},
		{PortugueseToEnglish, "Translate to English:\n\n\"hi\""},
		{Direction("fr-to-de"), "Translate:\n\n\"hi\""},
	}
	for _, tt := range tests {
		t.Run(string(tt.dir), func(t *testing.T) {
			assert.Equal(t, tt.want, Prompt("hi", tt.dir))
		})
	}
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection("pt-to-en")
	require.NoError(t, err)
	assert.Equal(t, PortugueseToEnglish, d)
	assert.Equal(t, "pt", d.Source())
	assert.Equal(t, "en", d.Target())

	_, err = ParseDirection("xx")
	assert.True(t, errors.IsInvalid(err))
}

func TestTranslate_StripsQuotes(t *testing.T) {
	model := &scriptedModel{replies: []string{"  \"Olá mundo\"\n"}}
	tr := New(model, testConfig(), nil)

	out, err := tr.Translate(context.Background(), "Hello world", EnglishToPortuguese)
	require.NoError(t, err)
	assert.Equal(t, "Olá mundo", out)
	assert.Equal(t, []string{"Translate to Brazilian Portuguese:\n\n\"Hello world\""}, model.prompts)
}

func TestTranslate_MissingModelIsNotRetried(t *testing.T) {
	model := &scriptedModel{errs: []error{errors.New(`model "llama9" not found, try pulling it first`)}}
	tr := New(model, testConfig(), nil)

	_, err := tr.Translate(context.Background(), "Hello", EnglishToPortuguese)
	require.Error(t, err)
	assert.Equal(t, 1, model.calls())
}

func TestTranslate_RetriesThenSucceeds(t *testing.T) {
	model := &scriptedModel{
		errs:    []error{errors.ErrConnectionLost, errors.ErrConnectionLost},
		replies: []string{"", "", "Hello"},
	}
	tr := New(model, testConfig(), nil)

	out, err := tr.Translate(context.Background(), "Olá", PortugueseToEnglish)
	require.NoError(t, err)
	assert.Equal(t, "Hello", out)
	assert.Equal(t, 3, model.calls())
}

func TestTranslate_BoundedAttempts(t *testing.T) {
	model := &scriptedModel{errs: []error{
		errors.ErrConnectionLost, errors.ErrConnectionLost, errors.ErrConnectionLost, nil,
	}, replies: []string{"", "", "", "never"}}
	tr := New(model, testConfig(), nil)

	_, err := tr.Translate(context.Background(), "Olá", PortugueseToEnglish)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConnectionLost))
	assert.Equal(t, 3, model.calls())
}

func TestTranslate_EmptyReplyIsFailure(t *testing.T) {
	model := &scriptedModel{replies: []string{"", "\"\"", "  "}}
	tr := New(model, testConfig(), nil)

	assert.Equal(t, Unavailable, tr.TranslateOrFallback(context.Background(), "hi", EnglishToPortuguese))
	assert.Equal(t, 3, model.calls())
}

func TestTranslate_EmptyText(t *testing.T) {
	model := &scriptedModel{}
	tr := New(model, testConfig(), nil)

	_, err := tr.Translate(context.Background(), "   ", EnglishToPortuguese)
	assert.True(t, errors.IsInvalid(err))
	assert.Zero(t, model.calls())
}

func TestOllamaModel_ChatEndpoint(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"llama3","created_at":"2024-01-01T00:00:00Z","message":{"role":"assistant","content":"Olá"},"done":true}` + "\n"))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.OllamaHost = srv.URL
	model, err := NewOllamaModel(cfg)
	require.NoError(t, err)

	out, err := New(model, cfg, nil).Translate(context.Background(), "Hello", EnglishToPortuguese)
	require.NoError(t, err)
	assert.Equal(t, "Olá", out)
	assert.Equal(t, "llama3", got.Model)
	require.NotEmpty(t, got.Messages)
	assert.Contains(t, got.Messages[len(got.Messages)-1].Content, "Brazilian Portuguese")
}
