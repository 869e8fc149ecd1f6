package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/egorvert/Sae/llm"
)

// OpenAIProvider talks to the OpenAI chat completions API. It shares the wire
// format with OllamaProvider but turns on JSON mode for the analysis stages
// and reports refusals.
type OpenAIProvider struct {
	OllamaProvider
}

func init() {
	llm.RegisterProvider(&OpenAIProvider{})
}

// Name returns the provider identifier.
func (o *OpenAIProvider) Name() string {
	return "openai"
}

// BuildURL constructs the OpenAI API endpoint.
func (o *OpenAIProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return o.OllamaProvider.BuildURL(baseURL)
}

// SetHeaders adds the bearer token from OPENAI_API_KEY.
func (o *OpenAIProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

// BuildRequestBody sets response_format json_object when req.JSON is set.
// JSON mode only allows a top-level object, so stages that ask for an array
// get it back wrapped, e.g. {"clauses": [...]}.
func (o *OpenAIProvider) BuildRequestBody(model string, req llm.Request) ([]byte, error) {
	var format *responseFormat
	if req.JSON {
		format = &responseFormat{Type: "json_object"}
	}
	return buildChatBody(model, req, format)
}

// ParseResponse extracts the reply. A refusal is fatal: retrying the same
// contract text gets the same answer.
func (o *OpenAIProvider) ParseResponse(body []byte, model string) (*llm.Response, error) {
	var refusal struct {
		Choices []struct {
			Message struct {
				Refusal string `json:"refusal"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &refusal); err == nil && len(refusal.Choices) > 0 {
		if r := strings.TrimSpace(refusal.Choices[0].Message.Refusal); r != "" {
			return nil, llm.NewFatalError(fmt.Errorf("model refused: %s", r))
		}
	}
	return o.OllamaProvider.ParseResponse(body, model)
}
