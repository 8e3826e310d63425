package llm

import "encoding/json"

// doneSentinel marks normal end of the inference stream and carries no
// content.
const doneSentinel = "[DONE]"

// streamEvent tolerates both event shapes the inference service emits
// depending on model family: a flat response field, or the
// chat-completion delta layout.
type streamEvent struct {
	Response string `json:"response"`
	Choices  []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Extract maps one decoded event payload to at most one content
// fragment. Malformed payloads are dropped silently; they must never
// abort the surrounding stream. Pure function of its input.
func Extract(payload string) (fragment string, done bool) {
	if payload == doneSentinel {
		return "", true
	}

	var event streamEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return "", false
	}

	if event.Response != "" {
		return event.Response, false
	}
	if len(event.Choices) > 0 {
		return event.Choices[0].Delta.Content, false
	}
	return "", false
}
