package segment

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/linxGnu/gosmpp/data"
)

func TestDescribeThresholds(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		single bool
		enc    data.Encoding
	}{
		{name: "short ascii", body: "hello", single: true, enc: data.GSM7BIT},
		{name: "exactly 160", body: strings.Repeat("a", 160), single: true, enc: data.GSM7BIT},
		{name: "161 chars", body: strings.Repeat("a", 161), single: false, enc: data.GSM7BIT},
		{name: "extension chars count twice", body: strings.Repeat("€", 81), single: false, enc: data.GSM7BIT},
		{name: "unicode 70", body: strings.Repeat("ж", 70), single: true, enc: data.UCS2},
		{name: "unicode 71", body: strings.Repeat("ж", 71), single: false, enc: data.UCS2},
		{name: "35 emoji fill one segment", body: strings.Repeat("😀", 35), single: true, enc: data.UCS2},
		{name: "70 emoji are 140 units", body: strings.Repeat("😀", 70), single: false, enc: data.UCS2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan := Describe(tc.body)
			if plan.Single != tc.single {
				t.Fatalf("single = %v, want %v (length %d)", plan.Single, tc.single, plan.Length)
			}
			if plan.Encoding != tc.enc {
				t.Fatalf("unexpected encoding %v", plan.Encoding)
			}
		})
	}
}

func TestSplitSingleSegmentUnchanged(t *testing.T) {
	body := "Your code is 1234"
	parts, err := Split(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parts) != 1 || parts[0] != body {
		t.Fatalf("expected body unchanged, got %q", parts)
	}
}

func TestSplitLongBody(t *testing.T) {
	body := strings.Repeat("abcdefghij", 20)
	parts, err := Split(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts for 200 chars, got %d", len(parts))
	}
	if strings.Join(parts, "") != body {
		t.Fatalf("parts do not reassemble the body")
	}
}

func TestSplitEmpty(t *testing.T) {
	if _, err := Split(""); !errors.Is(err, ErrEmptyBody) {
		t.Fatalf("expected ErrEmptyBody, got %v", err)
	}
}

func TestLengthCountsUTF16Units(t *testing.T) {
	n, gsm := Length("hi 😀")
	if gsm {
		t.Fatalf("emoji body reported as GSM-7")
	}
	if n != 5 {
		t.Fatalf("length = %d, want 5", n)
	}
	if n := Units("a€", data.GSM7BIT); n != 3 {
		t.Fatalf("GSM-7 units = %d, want 3", n)
	}
	if n := Units("a€", data.UCS2); n != 2 {
		t.Fatalf("UCS-2 units = %d, want 2", n)
	}
}

func TestSplitAstralCharacters(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		parts int
	}{
		{name: "70 emoji", body: strings.Repeat("😀", 70), parts: 3},
		{name: "100 emoji", body: strings.Repeat("😀", 100), parts: 4},
		{name: "pair on the part boundary", body: strings.Repeat("ж", 66) + "😀" + strings.Repeat("ж", 10), parts: 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			parts, err := Split(tc.body)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(parts) != tc.parts {
				t.Fatalf("expected %d parts, got %d", tc.parts, len(parts))
			}
			for i, part := range parts {
				if !utf8.ValidString(part) {
					t.Fatalf("part %d splits a character", i)
				}
				if n := Units(part, data.UCS2); n > UCS2PartLimit {
					t.Fatalf("part %d is %d units", i, n)
				}
			}
			if strings.Join(parts, "") != tc.body {
				t.Fatalf("parts do not reassemble the body")
			}
		})
	}
}

func TestSplitBoundaryPairMovesToNextPart(t *testing.T) {
	body := strings.Repeat("ж", 66) + "😀" + strings.Repeat("ж", 10)
	parts, err := Split(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parts[0] != strings.Repeat("ж", 66) {
		t.Fatalf("first part should stop before the emoji, got %d units", Units(parts[0], data.UCS2))
	}
	if !strings.HasPrefix(parts[1], "😀") {
		t.Fatalf("second part should start with the emoji")
	}
}

func TestSplitKeepsGSM7EscapesTogether(t *testing.T) {
	body := strings.Repeat("a", 152) + "€" + strings.Repeat("b", 20)
	parts, err := Split(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parts) != 2 || parts[0] != strings.Repeat("a", 152) {
		t.Fatalf("escape should open the second part, got %q", parts)
	}
	for i, part := range parts {
		if n := Units(part, data.GSM7BIT); n > GSM7PartLimit {
			t.Fatalf("part %d is %d septets", i, n)
		}
	}
}

func TestSplitTooLong(t *testing.T) {
	if _, err := Split(strings.Repeat("a", GSM7PartLimit*MaxParts+1)); !errors.Is(err, ErrTooLong) {
		t.Fatalf("expected ErrTooLong, got %v", err)
	}
}
