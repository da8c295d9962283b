// Package format asks a language model to rewrite raw area names into
// search-friendly place strings.
package format

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/sashabaranov/go-openai"
)

// Generator produces a completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient talks to any OpenAI-compatible endpoint; pointing baseURL
// at Ollama (http://localhost:11434/v1) needs no real key.
func NewOpenAIClient(apiKey, model, baseURL string) *OpenAIClient {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

func (c *OpenAIClient) Generate(ctx context.Context, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0,
	}
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", eris.Wrap(err, "chat completion")
	}
	if len(resp.Choices) > 0 {
		return resp.Choices[0].Message.Content, nil
	}
	return "", eris.New("no response choices")
}

type Formatted struct {
	Original  string `json:"original"`
	Formatted string `json:"formatted"`
}

type Formatter struct {
	gen Generator
}

func New(gen Generator) *Formatter {
	return &Formatter{gen: gen}
}

// Format returns one entry per area. When the model reply holds no JSON
// array, every area falls back to "<area>, Ethiopia".
func (f *Formatter) Format(ctx context.Context, areas []string) ([]Formatted, error) {
	if len(areas) == 0 {
		return []Formatted{}, nil
	}
	reply, err := f.gen.Generate(ctx, Prompt(areas))
	if err != nil {
		return nil, err
	}
	return Parse(reply, areas), nil
}

func Prompt(areas []string) string {
	var b strings.Builder
	b.WriteString("Format these Ethiopian area names for map search:\n\nAreas to format:\n")
	for _, a := range areas {
		fmt.Fprintf(&b, "- %s\n", a)
	}
	b.WriteString("\nFormat each area as: \"Specific Area, City/Zone, Region, Ethiopia\"\n")
	b.WriteString("For Addis Ababa areas: \"Area Name, Addis Ababa, Ethiopia\"\n\n")
	b.WriteString("Return ONLY a JSON array where each object has \"original\" and \"formatted\" fields.")
	return b.String()
}

var jsonArray = regexp.MustCompile(`(?s)\[\s*\{.*\}\s*\]`)

// Parse extracts the JSON array from a model reply.
func Parse(reply string, areas []string) []Formatted {
	if m := jsonArray.FindString(reply); m != "" {
		var out []Formatted
		if err := json.Unmarshal([]byte(m), &out); err == nil && len(out) > 0 {
			return out
		}
	}
	out := make([]Formatted, len(areas))
	for i, a := range areas {
		out[i] = Formatted{Original: a, Formatted: a + ", Ethiopia"}
	}
	return out
}
