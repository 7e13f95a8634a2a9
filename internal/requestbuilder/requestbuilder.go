// Package requestbuilder translates the inbound chat-completion DTO into
// provider-neutral call parameters. Pure translation, no I/O, grounded on
// providers.Request/Message in providers/provider.go (the shared wire shape
// every provider adapter already consumes), plus hasImageContent which the
// router uses to auto-require the supportsVision filter per spec §4.7.
package requestbuilder

import (
	"github.com/routergw/router/providers"
)

// ChatCompletionRequest is the inbound DTO, extending the OpenAI-compatible
// body with the router-specific fields from spec §6.
type ChatCompletionRequest struct {
	Model    interface{}        `json:"model"` // string | []string
	Messages []providers.Message `json:"messages"`

	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	Stop             []string `json:"stop,omitempty"`
	Tools            []providers.Tool `json:"tools,omitempty"`
	ToolChoice       interface{}      `json:"tool_choice,omitempty"`
	Stream           bool             `json:"stream,omitempty"`

	Tags           string   `json:"tags,omitempty"`
	Type           string   `json:"type,omitempty"`
	MinContextSize int      `json:"min_context_size,omitempty"`
	JSONResponse   bool     `json:"json_response,omitempty"`
	PreferFast     bool     `json:"prefer_fast,omitempty"`
	MinSuccessRate float64  `json:"min_success_rate,omitempty"`
	SupportsVision bool     `json:"supports_vision,omitempty"`
	ExcludeModels  []string `json:"exclude_models,omitempty"`

	MaxModelSwitches     *int    `json:"max_model_switches,omitempty"`
	MaxSameModelRetries  *int    `json:"max_same_model_retries,omitempty"`
	RetryDelayMs         *int    `json:"retry_delay,omitempty"`
	TimeoutSecs          *int    `json:"timeout_secs,omitempty"`
	FallbackProvider     string  `json:"fallback_provider,omitempty"`
	FallbackModel        string  `json:"fallback_model,omitempty"`
}

// Build translates req into the parameters shape every provider adapter
// accepts, leaving Model to be filled in by the router once a candidate is
// chosen.
func Build(req ChatCompletionRequest) providers.Request {
	return providers.Request{
		Messages:         req.Messages,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             req.Stop,
		Tools:            req.Tools,
		ToolChoice:       req.ToolChoice,
		Stream:           req.Stream,
	}
}

// HasImageContent reports whether any message carries an image_url content
// part, per spec §4.7.
func HasImageContent(messages []providers.Message) bool {
	for _, m := range messages {
		for _, part := range m.ContentParts {
			if part.Type == "image_url" && part.ImageURL != nil {
				return true
			}
		}
	}
	return false
}
