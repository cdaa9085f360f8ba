// Package sidecar embeds an auxiliary payload (e.g. a reasoning trace)
// into the single text column the store guarantees. The delimiter must
// stay stable forever so previously written rows keep decoding.
package sidecar

import (
	"encoding/json"
	"strings"
)

// Delimiter separates primary text from the encoded sidecar. Built around
// U+001D (group separator) so it cannot show up in natural text or code.
const Delimiter = "\n\x1d\x1dsidecar\x1d\x1d\n"

// Segment is one entry of a structured trace payload.
type Segment struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Encode appends the sidecar payload to text behind the delimiter. A nil
// payload returns text unchanged. Strings are embedded as-is; anything
// else is serialized to JSON.
func Encode(text string, payload any) (string, error) {
	if payload == nil {
		return text, nil
	}
	if s, ok := payload.(string); ok {
		if s == "" {
			return text, nil
		}
		return text + Delimiter + s, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return text + Delimiter + string(raw), nil
}

// Decode splits stored content into primary text and a flattened sidecar.
// Only the first delimiter occurrence matters: the primary text cannot
// contain the delimiter by construction, the payload might.
func Decode(stored string) (text string, payload string) {
	text, rest, found := strings.Cut(stored, Delimiter)
	if !found {
		return stored, ""
	}
	return text, flatten(rest)
}

// flatten recovers readable text from the encoded payload. Structured
// traces are flattened, never re-stringified: a decoded trace is joined
// segment text, not a JSON blob.
func flatten(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	var asString string
	if err := json.Unmarshal([]byte(trimmed), &asString); err == nil {
		return asString
	}

	var segs []Segment
	if err := json.Unmarshal([]byte(trimmed), &segs); err == nil {
		parts := make([]string, 0, len(segs))
		for _, s := range segs {
			if t := strings.TrimSpace(s.Text); t != "" {
				parts = append(parts, t)
			}
		}
		return strings.Join(parts, "\n\n")
	}

	var seg Segment
	if err := json.Unmarshal([]byte(trimmed), &seg); err == nil && seg.Text != "" {
		return seg.Text
	}

	// Not JSON at all: treat the raw segment as plain text.
	return raw
}
