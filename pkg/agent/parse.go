package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sceneweaver/sceneweaver/pkg/models"
)

// Response conventions shared by the scene agents: the Python fragment is
// the first fenced ```python block (or the whole text when no fences are
// present), and optional hints ride in a fenced ```json block.

// ParseCodeFragment is the parser for fragment-producing roles (builder,
// texture, lighting, validator, render, animation).
func ParseCodeFragment(role models.Role) ParseFunc {
	return func(raw string, _ map[string]any) (*models.AgentResult, error) {
		fragment := extractFence(raw, "python")
		if fragment == "" {
			fragment = extractFence(raw, "")
		}
		if fragment == "" {
			// No fences at all: treat the whole response as code, a common
			// provider behavior for short fragments.
			fragment = strings.TrimSpace(raw)
		}
		if fragment == "" {
			return nil, fmt.Errorf("response contains no code fragment")
		}
		return &models.AgentResult{
			Role:     role,
			Fragment: fragment,
			Hints:    extractHints(raw),
		}, nil
	}
}

// ParseConcept is the parser for the concept role. The whole response is
// the concept document; hints (mood, palette, key objects) ride in an
// optional JSON block.
func ParseConcept(raw string, _ map[string]any) (*models.AgentResult, error) {
	doc := strings.TrimSpace(stripFence(raw, "json"))
	if doc == "" {
		return nil, fmt.Errorf("empty concept document")
	}
	return &models.AgentResult{
		Role:     models.RoleConcept,
		Fragment: doc,
		Hints:    extractHints(raw),
	}, nil
}

// ParseReview is the parser for the reviewer role. The verdict must be a
// JSON object with rating and should_refine; it may be fenced or bare.
func ParseReview(raw string, _ map[string]any) (*models.AgentResult, error) {
	text := extractFence(raw, "json")
	if text == "" {
		text = strings.TrimSpace(raw)
	}
	var review models.Review
	if err := json.Unmarshal([]byte(text), &review); err != nil {
		return nil, fmt.Errorf("review verdict is not valid JSON: %w", err)
	}
	if review.Rating < 0 || review.Rating > 10 {
		return nil, fmt.Errorf("review rating %d out of range [0,10]", review.Rating)
	}
	return &models.AgentResult{
		Role: models.RoleReviewer,
		Hints: map[string]any{
			"rating":        review.Rating,
			"should_refine": review.ShouldRefine,
			"feedback":      review.Feedback,
		},
	}, nil
}

// extractFence returns the body of the first fenced block tagged lang.
// An empty lang matches an untagged fence.
func extractFence(raw, lang string) string {
	marker := "```" + lang
	start := strings.Index(raw, marker)
	if start < 0 {
		return ""
	}
	body := raw[start+len(marker):]
	if lang == "" {
		// Untagged request must not match a tagged fence.
		if nl := strings.IndexByte(body, '\n'); nl > 0 && strings.TrimSpace(body[:nl]) != "" {
			return ""
		}
	}
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	}
	end := strings.Index(body, "```")
	if end < 0 {
		return strings.TrimSpace(body)
	}
	return strings.TrimSpace(body[:end])
}

// stripFence removes the first fenced block tagged lang from the text.
func stripFence(raw, lang string) string {
	marker := "```" + lang
	start := strings.Index(raw, marker)
	if start < 0 {
		return raw
	}
	rest := raw[start+len(marker):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return raw[:start]
	}
	return raw[:start] + rest[end+3:]
}

// extractHints parses the optional ```json hints block. Hints are
// best-effort: malformed JSON yields no hints, not a parse failure.
func extractHints(raw string) map[string]any {
	text := extractFence(raw, "json")
	if text == "" {
		return nil
	}
	var hints map[string]any
	if err := json.Unmarshal([]byte(text), &hints); err != nil {
		return nil
	}
	return hints
}
