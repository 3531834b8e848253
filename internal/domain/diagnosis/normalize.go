package diagnosis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/symcheck/symcheck/internal/domain/symptom"
)

// DefaultResponseKeys is the order in which response fields are probed for
// the diagnosis text.
var DefaultResponseKeys = []string{
	"answer", "diagnosis_text", "diagnosis", "response", "result.answer", "data.answer", "output", "text",
}

// UpstreamResponseError reports a 2xx reply that holds no usable diagnosis.
type UpstreamResponseError struct {
	Reason string
}

func (e *UpstreamResponseError) Error() string {
	return "unusable diagnostic response: " + e.Reason
}

// Extractor pulls the diagnosis text out of a decoded JSON object.
type Extractor struct {
	Name    string
	Extract func(map[string]any) (string, bool)
}

// PathExtractor probes a dot-separated path such as "result.answer". A
// string value is returned as is; an array of strings, or of objects with a
// "text" field, is joined with newlines.
func PathExtractor(path string) Extractor {
	parts := strings.Split(path, ".")
	return Extractor{
		Name: path,
		Extract: func(obj map[string]any) (string, bool) {
			var cur any = obj
			for _, p := range parts {
				m, ok := cur.(map[string]any)
				if !ok {
					return "", false
				}
				if cur, ok = m[p]; !ok {
					return "", false
				}
			}
			s := flattenText(cur)
			return s, s != ""
		},
	}
}

func flattenText(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		var lines []string
		for _, item := range t {
			switch it := item.(type) {
			case string:
				if s := strings.TrimSpace(it); s != "" {
					lines = append(lines, s)
				}
			case map[string]any:
				if s, ok := it["text"].(string); ok && strings.TrimSpace(s) != "" {
					lines = append(lines, strings.TrimSpace(s))
				}
			}
		}
		return strings.Join(lines, "\n")
	}
	return ""
}

// Normalizer turns an upstream body into a DiagnosisInput.
type Normalizer struct {
	extractors []Extractor
}

// NewNormalizer probes keys in order; no keys means DefaultResponseKeys.
func NewNormalizer(keys []string) *Normalizer {
	if len(keys) == 0 {
		keys = DefaultResponseKeys
	}
	n := &Normalizer{}
	for _, k := range keys {
		n.extractors = append(n.extractors, PathExtractor(k))
	}
	return n
}

// Keys returns the extractor names in probe order.
func (n *Normalizer) Keys() []string {
	out := make([]string, len(n.extractors))
	for i, e := range n.extractors {
		out[i] = e.Name
	}
	return out
}

// Normalize accepts a JSON object, a JSON string, or plain prose. A body that
// opens like JSON but does not parse is rejected rather than kept as prose.
func (n *Normalizer) Normalize(body []byte) (symptom.DiagnosisInput, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return symptom.DiagnosisInput{}, &UpstreamResponseError{Reason: "empty body"}
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		if looksLikeJSON(body) {
			return symptom.DiagnosisInput{}, &UpstreamResponseError{Reason: "malformed JSON"}
		}
		return symptom.DiagnosisInput{DiagnosisText: string(body)}, nil
	}

	switch v := decoded.(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return symptom.DiagnosisInput{DiagnosisText: s}, nil
		}
		return symptom.DiagnosisInput{}, &UpstreamResponseError{Reason: "blank text"}
	case map[string]any:
		return n.fromObject(v)
	}
	return symptom.DiagnosisInput{}, &UpstreamResponseError{Reason: fmt.Sprintf("unexpected JSON %T", decoded)}
}

func looksLikeJSON(body []byte) bool {
	switch body[0] {
	case '{', '[', '"':
		return true
	}
	return false
}

func (n *Normalizer) fromObject(obj map[string]any) (symptom.DiagnosisInput, error) {
	var out symptom.DiagnosisInput
	for _, e := range n.extractors {
		if s, ok := e.Extract(obj); ok {
			out.DiagnosisText = s
			break
		}
	}
	if out.DiagnosisText == "" {
		return out, &UpstreamResponseError{Reason: "no diagnosis text"}
	}

	for _, k := range []string{"confidence", "confidence_score"} {
		if c, ok := normalizeConfidence(obj[k]); ok {
			out.ConfidenceScore = &c
			break
		}
	}
	for _, k := range []string{"possible_conditions", "conditions"} {
		if conds := parseConditions(obj[k]); conds != nil {
			out.PossibleConditions = conds
			break
		}
	}
	if r := flattenText(obj["recommendations"]); r != "" {
		out.Recommendations = &r
	}
	return out, nil
}

// normalizeConfidence maps a label or a score to low, medium or high. Scores
// above 1 are read as percentages.
func normalizeConfidence(v any) (string, bool) {
	var score float64
	switch t := v.(type) {
	case float64:
		score = t
	case string:
		if c, ok := symptom.NormalizeConfidence(t); ok {
			return c, true
		}
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(t), "%"), 64)
		if err != nil {
			return "", false
		}
		score = f
	default:
		return "", false
	}

	if score > 1 && score <= 100 {
		score /= 100
	}
	switch {
	case score < 0 || score > 1:
		return "", false
	case score < 0.4:
		return symptom.ConfidenceLow, true
	case score < 0.75:
		return symptom.ConfidenceMedium, true
	}
	return symptom.ConfidenceHigh, true
}

func parseConditions(v any) []string {
	var out []string
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case string:
		for _, s := range strings.Split(t, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
