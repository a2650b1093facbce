package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"
)

// ErrProviderNotFound is returned for an unknown backend name
var ErrProviderNotFound = errors.New("provider not found")

// Provider defines the interface for LLM providers
type Provider interface {
	// Name returns the provider name
	Name() string

	// Generate performs a completion request. Failures are tagged with
	// domain.ContentError or domain.ServiceError.
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// Request represents an LLM request
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	System      string
	// JSON asks the provider for a single JSON object as output.
	JSON bool
}

// Message represents a chat message
type Message struct {
	Role    Role
	Content string
	Images  []Image
}

// Image is an inline image attached to a message.
type Image struct {
	Data     []byte
	MIMEType string
}

// Role represents the role of a message sender
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Response represents an LLM response
type Response struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// Usage tracks token usage
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Settings are the connection settings shared by every backend.
type Settings struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Factory builds a provider from settings.
type Factory func(Settings) Provider

var factories = map[string]Factory{
	"openai": func(s Settings) Provider {
		return NewOpenAIProvider(OpenAIConfig{APIKey: s.APIKey, BaseURL: s.BaseURL, Model: s.Model, Timeout: s.Timeout})
	},
	"ollama": func(s Settings) Provider {
		return NewOllamaProvider(OllamaConfig{BaseURL: s.BaseURL, Model: s.Model, Timeout: s.Timeout})
	},
}

// New builds the named backend.
func New(name string, s Settings) (Provider, error) {
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s (known: %s)", ErrProviderNotFound, name, strings.Join(Names(), ", "))
	}
	return f(s), nil
}

// Names lists the known backends, sorted.
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// newHTTPClient bounds connection setup tightly and leaves the response
// wait to timeout; the per-call deadline comes from the context.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
			MaxConnsPerHost:       16,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       time.Minute,
			ForceAttemptHTTP2:     true,
		},
	}
}
