package transport

import (
	"encoding/json"
	"strings"
)

// ExtractHubMessage pulls a human-readable failure message out of an error
// response body. Modern hubs wrap it as {"error": "..."}; legacy hubs send
// plaintext when the request asked for it. An HTML error page is never
// mistaken for message text: it yields the empty string.
func ExtractHubMessage(body []byte, jsonFormat bool) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return ""
	}

	if jsonFormat {
		var payload struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return ""
		}

		return strings.TrimSpace(payload.Error)
	}

	if looksLikeHTML(text) {
		return ""
	}

	return text
}

func looksLikeHTML(text string) bool {
	lower := strings.ToLower(text)

	return strings.HasPrefix(lower, "<!doctype") ||
		strings.HasPrefix(lower, "<html") ||
		strings.HasPrefix(lower, "<")
}
