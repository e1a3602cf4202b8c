package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/wykra-io/wykra-api-sub001/internal/ai"
)

// Endpoints a chat turn can map to. EndpointNone falls through to a plain
// conversational reply.
const (
	EndpointSearch  = "search"
	EndpointProfile = "profile"
	EndpointNone    = "none"
)

// ErrMissingParameter blocks dispatch when the endpoint's one required
// parameter was not extracted. Never reaches the job layer.
var ErrMissingParameter = errors.New("missing required parameter")

type Intent struct {
	Endpoint string `json:"endpoint"`
	Query    string `json:"query,omitempty"`
	Profile  string `json:"profile,omitempty"`
}

// Validate enforces the one-required-parameter rule: search needs a query,
// profile needs a profile identifier. Other extracted fields don't matter.
func (i Intent) Validate() error {
	switch i.Endpoint {
	case EndpointSearch:
		if strings.TrimSpace(i.Query) == "" {
			return ErrMissingParameter
		}
	case EndpointProfile:
		if strings.TrimSpace(i.Profile) == "" {
			return ErrMissingParameter
		}
	}
	return nil
}

const intentPrompt = `You classify a user request for a data-collection assistant.
Respond with a single JSON object and nothing else:
{"endpoint":"search"|"profile"|"none","query":"...","profile":"..."}

- "search": the user wants posts or content found for a topic. Put the search
  text in "query".
- "profile": the user wants a specific account or profile analyzed. Put the
  profile URL or handle in "profile".
- "none": anything else (greetings, questions, small talk).

Omit fields you cannot extract.`

// DetectIntent classifies the utterance with a single LLM attempt and parses
// the reply leniently (models like to wrap JSON in code fences).
func DetectIntent(ctx context.Context, provider ai.Provider, utterance string) (Intent, error) {
	reply, err := provider.Chat(ctx, []ai.Message{
		{Role: "system", Content: intentPrompt},
		{Role: "user", Content: utterance},
	})
	if err != nil {
		return Intent{}, err
	}
	return parseIntent(reply)
}

func parseIntent(reply string) (Intent, error) {
	s := strings.TrimSpace(reply)
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}

	var intent Intent
	if err := json.Unmarshal([]byte(s), &intent); err != nil {
		return Intent{}, err
	}

	switch intent.Endpoint {
	case EndpointSearch, EndpointProfile:
		return intent, nil
	default:
		intent.Endpoint = EndpointNone
		return intent, nil
	}
}

// clarification returns the follow-up question asked instead of dispatching
// when the required parameter is missing.
func clarification(endpoint string) string {
	switch endpoint {
	case EndpointSearch:
		return "What would you like me to search for? Please give me a topic or keywords."
	case EndpointProfile:
		return "Which profile should I analyze? Please share the profile link or handle."
	}
	return "Could you tell me a bit more about what you need?"
}
