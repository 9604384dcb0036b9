package extraction

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rag-explorer/backend/internal/storage/models"
)

// ParseStrategy names the way a completion was decoded.
type ParseStrategy int

const (
	StrategyNone ParseStrategy = iota
	StrategyFencedBlock
	StrategyBareObject
	StrategySubstring
)

func (s ParseStrategy) String() string {
	switch s {
	case StrategyFencedBlock:
		return "fenced_block"
	case StrategyBareObject:
		return "bare_object"
	case StrategySubstring:
		return "substring"
	default:
		return "none"
	}
}

// ParseResult is either a decoded extraction (Strategy != StrategyNone) or a
// failure carrying an error that matches models.ErrParseFailure.
type ParseResult struct {
	Strategy      ParseStrategy
	Entities      []models.Entity
	Relationships []models.Relationship
	Err           error
}

func (r ParseResult) OK() bool {
	return r.Strategy != StrategyNone
}

type rawExtraction struct {
	Entities []struct {
		Name  string `json:"name"`
		Label string `json:"label"`
		Type  string `json:"type"`
	} `json:"entities"`
	Relationships []struct {
		Source string `json:"source"`
		Target string `json:"target"`
		Type   string `json:"type"`
	} `json:"relationships"`
}

var fencedBlockPattern = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")

// parseStructuredExtraction never panics and never returns a Go error: a
// fenced block is preferred, then the whole text as an object, then the first
// balanced {...} span.
func parseStructuredExtraction(raw string) ParseResult {
	if m := fencedBlockPattern.FindStringSubmatch(raw); m != nil {
		if r, ok := decode(m[1]); ok {
			return r.tagged(StrategyFencedBlock)
		}
	}

	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		if r, ok := decode(trimmed); ok {
			return r.tagged(StrategyBareObject)
		}
	}

	if span, ok := firstObject(raw); ok {
		if r, ok := decode(span); ok {
			return r.tagged(StrategySubstring)
		}
	}

	return ParseResult{Err: fmt.Errorf("%w: no JSON object in completion", models.ErrParseFailure)}
}

func decode(text string) (rawExtraction, bool) {
	var r rawExtraction
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &r); err != nil {
		return rawExtraction{}, false
	}
	return r, true
}

// tagged drops unnamed entities and incomplete relationships. Every entity
// starts out new; reconciliation decides otherwise.
func (r rawExtraction) tagged(strategy ParseStrategy) ParseResult {
	out := ParseResult{Strategy: strategy}
	for _, e := range r.Entities {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			continue
		}
		label := strings.TrimSpace(e.Label)
		if label == "" {
			label = strings.TrimSpace(e.Type)
		}
		if label == "" {
			label = "Entity"
		}
		out.Entities = append(out.Entities, models.Entity{Name: name, Label: label, IsNew: true})
	}
	for _, rel := range r.Relationships {
		source, target, relType := strings.TrimSpace(rel.Source), strings.TrimSpace(rel.Target), strings.TrimSpace(rel.Type)
		if source == "" || target == "" || relType == "" {
			continue
		}
		out.Relationships = append(out.Relationships, models.Relationship{
			Source: models.EntityRef{Name: source},
			Target: models.EntityRef{Name: target},
			Type:   relType,
		})
	}
	return out
}

// firstObject returns the first brace-balanced span, ignoring braces inside
// JSON strings.
func firstObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
