// Package segment decides whether a body fits one SMS and, when it does
// not, partitions it into parts that each fit one concatenated segment.
package segment

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/linxGnu/gosmpp/data"
)

// Capacities in encoding units: septets for GSM-7, UTF-16 code units for
// UCS-2. Parts of a multipart message give up six octets to the
// concatenation header.
const (
	GSM7Limit     = 160
	UCS2Limit     = 70
	GSM7PartLimit = 153
	UCS2PartLimit = 67

	// MaxParts is the most parts a concatenation header can number.
	MaxParts = 255
)

var (
	// ErrEmptyBody is returned when there is nothing to segment.
	ErrEmptyBody = errors.New("segment: body is empty")
	// ErrTooLong is returned when a body needs more than MaxParts parts.
	ErrTooLong = errors.New("segment: body too long")
)

const (
	gsm7Basic     = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà"
	gsm7Extension = "^{}\\[~]|€\f"
)

// Plan summarises how a body will be carried.
type Plan struct {
	Encoding data.Encoding
	Length   int
	Single   bool
}

// IsGSM7 reports whether every rune of body is in the GSM 03.38 alphabet
// (including the extension table).
func IsGSM7(body string) bool {
	for _, r := range body {
		if !strings.ContainsRune(gsm7Basic, r) && !strings.ContainsRune(gsm7Extension, r) {
			return false
		}
	}
	return true
}

// Length returns the length of body in the units of its encoding: septets
// for GSM-7, where extension characters count twice, and UTF-16 code units
// for UCS-2, where characters outside the basic plane count twice.
func Length(body string) (int, bool) {
	gsm := IsGSM7(body)
	return units(body, gsm), gsm
}

// Units returns the length of body when carried in enc.
func Units(body string, enc data.Encoding) int {
	return units(body, enc != data.UCS2)
}

func units(body string, gsm bool) int {
	n := 0
	for _, r := range body {
		n += runeUnits(r, gsm)
	}
	return n
}

// Describe returns the encoding and single-segment decision for body.
func Describe(body string) Plan {
	n, gsm := Length(body)
	if gsm {
		return Plan{Encoding: data.GSM7BIT, Length: n, Single: n <= GSM7Limit}
	}
	return Plan{Encoding: data.UCS2, Length: n, Single: n <= UCS2Limit}
}

// PartLimit returns the capacity of one part of a multipart message in the
// units of enc, leaving room for the concatenation header.
func PartLimit(enc data.Encoding) int {
	if enc == data.UCS2 {
		return UCS2PartLimit
	}
	return GSM7PartLimit
}

// Split returns the parts body should be sent as. A body that fits one
// segment is returned unchanged. Longer bodies are cut into parts of at most
// PartLimit units; an escaped GSM-7 character or a surrogate pair is never
// divided between two parts.
func Split(body string) ([]string, error) {
	if body == "" {
		return nil, ErrEmptyBody
	}
	plan := Describe(body)
	if plan.Single {
		return []string{body}, nil
	}

	gsm := plan.Encoding == data.GSM7BIT
	limit := PartLimit(plan.Encoding)
	parts := make([]string, 0, plan.Length/limit+1)
	var (
		start int
		used  int
	)
	for i, r := range body {
		n := runeUnits(r, gsm)
		if used+n > limit {
			parts = append(parts, body[start:i])
			start, used = i, 0
		}
		used += n
	}
	parts = append(parts, body[start:])
	if len(parts) > MaxParts {
		return nil, fmt.Errorf("%w: %d parts", ErrTooLong, len(parts))
	}
	return parts, nil
}

func runeUnits(r rune, gsm bool) int {
	if gsm {
		if strings.ContainsRune(gsm7Extension, r) {
			return 2
		}
		return 1
	}
	return utf16.RuneLen(r)
}
