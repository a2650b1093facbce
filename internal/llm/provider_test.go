package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felixgeelhaar/proctor/internal/domain"
)

// mockProvider is a test implementation of Provider
type mockProvider struct {
	name      string
	responses []string
	err       error
	calls     atomic.Int32
	requests  []*Request
}

func (m *mockProvider) Name() string {
	return m.name
}

func (m *mockProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	n := int(m.calls.Add(1))
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return &Response{}, nil
	}
	i := n - 1
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	return &Response{Content: m.responses[i]}, nil
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		wantName string
		wantErr  bool
	}{
		{"openai", "openai", false},
		{"ollama", "ollama", false},
		{"claude", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.name, Settings{APIKey: "k", Model: "m"})
			if tt.wantErr {
				if !errors.Is(err, ErrProviderNotFound) {
					t.Errorf("New() error = %v; want ErrProviderNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if p.Name() != tt.wantName {
				t.Errorf("Name() = %s; want %s", p.Name(), tt.wantName)
			}
		})
	}

	if names := Names(); len(names) != 2 || names[0] != "ollama" {
		t.Errorf("Names() = %v; want [ollama openai]", names)
	}
}

func completion(content string) map[string]any {
	return map[string]any{
		"id": "chatcmpl-test",
		"choices": []map[string]any{
			{
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5},
	}
}

func TestOpenAIProvider_Generate(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("Path = %v, want /v1/chat/completions", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Authorization = %v, want Bearer test-key", r.Header.Get("Authorization"))
		}
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &body)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(completion(`{"score": 88}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL + "/v1", Model: "gpt-test"})

	got, err := p.Generate(context.Background(), &Request{
		System:   "grade it",
		Messages: []Message{{Role: RoleUser, Content: "essay"}},
		JSON:     true,
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got.Content != `{"score": 88}` {
		t.Errorf("Content = %q", got.Content)
	}
	if got.Usage.InputTokens != 10 || got.Usage.OutputTokens != 5 {
		t.Errorf("Usage = %+v; want 10/5", got.Usage)
	}

	if body["model"] != "gpt-test" {
		t.Errorf("model = %v; want gpt-test", body["model"])
	}
	format, _ := body["response_format"].(map[string]any)
	if format["type"] != "json_object" {
		t.Errorf("response_format = %v; want json_object", body["response_format"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d; want system + user", len(msgs))
	}
	if first := msgs[0].(map[string]any); first["role"] != "system" {
		t.Errorf("first role = %v; want system", first["role"])
	}
}

func TestOpenAIProvider_ImageMessage(t *testing.T) {
	msg := toOpenAIMessage(Message{
		Role:    RoleUser,
		Content: "grade",
		Images:  []Image{{Data: []byte{1, 2, 3}, MIMEType: "image/png"}},
	})
	if msg.Content != "" || len(msg.MultiContent) != 2 {
		t.Fatalf("message = %+v; want two content parts", msg)
	}
	url := msg.MultiContent[1].ImageURL.URL
	if !strings.HasPrefix(url, "data:image/png;base64,") {
		t.Errorf("image url = %q; want data url", url)
	}
}

func TestOpenAIProvider_ErrorKinds(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		wantService bool
	}{
		{"unauthorized", http.StatusUnauthorized, true},
		{"forbidden", http.StatusForbidden, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
		{"unavailable", http.StatusServiceUnavailable, true},
		{"bad request", http.StatusBadRequest, false},
		{"unprocessable", http.StatusUnprocessableEntity, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error": {"message": "nope", "type": "test"}}`))
			}))
			defer server.Close()

			p := NewOpenAIProvider(OpenAIConfig{APIKey: "k", BaseURL: server.URL + "/v1"})
			_, err := p.Generate(context.Background(), &Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
			if err == nil {
				t.Fatal("Generate() error = nil")
			}
			if got := domain.IsServiceError(err); got != tt.wantService {
				t.Errorf("IsServiceError() = %v; want %v (err %v)", got, tt.wantService, err)
			}
			if StatusCode(err) != tt.status {
				t.Errorf("StatusCode() = %d; want %d", StatusCode(err), tt.status)
			}
		})
	}
}

func TestOpenAIProvider_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "k", BaseURL: url + "/v1"})
	_, err := p.Generate(context.Background(), &Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	if !domain.IsServiceError(err) {
		t.Errorf("Generate() error = %v; want service error", err)
	}
}

func TestOpenAIProvider_ContextDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "k", BaseURL: server.URL + "/v1"})
	_, err := p.Generate(ctx, &Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Generate() error = %v; want context.DeadlineExceeded", err)
	}
	if domain.IsTagged(err) {
		t.Error("deadline error should be left untagged")
	}
}

func TestNewOllamaProvider(t *testing.T) {
	p := NewOllamaProvider(OllamaConfig{})
	if p.Name() != "ollama" {
		t.Errorf("Name() = %s; want ollama", p.Name())
	}
	if p.Model() != "llama3.2-vision" {
		t.Errorf("Model() = %s; want llama3.2-vision", p.Model())
	}
}
