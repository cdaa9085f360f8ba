package sidecar

import (
	"strings"
	"testing"
)

func TestEncodeWithoutPayloadIsIdentity(t *testing.T) {
	out, err := Encode("hello world", nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if out != "hello world" {
		t.Fatalf("Encode without payload changed text: %q", out)
	}
}

func TestRoundTripPlainString(t *testing.T) {
	out, err := Encode("hi", "plain")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	text, payload := Decode(out)
	if text != "hi" || payload != "plain" {
		t.Fatalf("Decode=(%q,%q), want (hi, plain)", text, payload)
	}
}

func TestRoundTripStructuredTraceFlattens(t *testing.T) {
	trace := []Segment{
		{Type: "reasoning", Text: "a"},
		{Type: "reasoning", Text: "b"},
	}
	out, err := Encode("hello", trace)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	text, payload := Decode(out)
	if text != "hello" {
		t.Fatalf("text=%q, want hello", text)
	}
	if payload != "a\n\nb" {
		t.Fatalf("payload=%q, want %q", payload, "a\n\nb")
	}
	if strings.Contains(payload, "{") {
		t.Fatalf("structured payload was re-stringified: %q", payload)
	}
}

func TestDecodeSingleSegmentObject(t *testing.T) {
	out, err := Encode("q", Segment{Type: "reasoning", Text: "only"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	text, payload := Decode(out)
	if text != "q" || payload != "only" {
		t.Fatalf("Decode=(%q,%q), want (q, only)", text, payload)
	}
}

func TestDecodeCases(t *testing.T) {
	cases := []struct {
		name        string
		stored      string
		wantText    string
		wantPayload string
	}{
		{
			name:        "no_delimiter",
			stored:      "just text",
			wantText:    "just text",
			wantPayload: "",
		},
		{
			name:        "empty_payload_segment",
			stored:      "text" + Delimiter,
			wantText:    "text",
			wantPayload: "",
		},
		{
			name:        "malformed_json_falls_back_to_raw",
			stored:      "text" + Delimiter + `{"type": broken`,
			wantText:    "text",
			wantPayload: `{"type": broken`,
		},
		{
			name:        "segments_with_blank_entries_skipped",
			stored:      "t" + Delimiter + `[{"type":"reasoning","text":" x "},{"type":"reasoning","text":"  "}]`,
			wantText:    "t",
			wantPayload: "x",
		},
		{
			name:        "delimiter_inside_payload_stays_in_payload",
			stored:      "t" + Delimiter + "raw" + Delimiter + "tail",
			wantText:    "t",
			wantPayload: "raw" + Delimiter + "tail",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			text, payload := Decode(tc.stored)
			if text != tc.wantText || payload != tc.wantPayload {
				t.Fatalf("Decode(%q)=(%q,%q), want (%q,%q)", tc.stored, text, payload, tc.wantText, tc.wantPayload)
			}
		})
	}
}
