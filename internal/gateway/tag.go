package gateway

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedTag is returned when an ack tag cannot be decoded.
var ErrMalformedTag = errors.New("gateway: malformed tag")

const tagSeparator = "#"

// Tag identifies one segment of one logical message. Gateways treat the
// encoded form as opaque and hand it back unchanged with each ack.
type Tag struct {
	MessageID string
	Segment   int
}

// Encode renders the tag in its opaque wire form.
func (t Tag) Encode() string {
	return t.MessageID + tagSeparator + strconv.Itoa(t.Segment)
}

// DecodeTag parses a tag produced by Encode.
func DecodeTag(raw string) (Tag, error) {
	idx := strings.LastIndex(raw, tagSeparator)
	if idx <= 0 || idx == len(raw)-1 {
		return Tag{}, fmt.Errorf("%w: %q", ErrMalformedTag, raw)
	}
	seg, err := strconv.Atoi(raw[idx+1:])
	if err != nil || seg < 0 {
		return Tag{}, fmt.Errorf("%w: %q", ErrMalformedTag, raw)
	}
	return Tag{MessageID: raw[:idx], Segment: seg}, nil
}

// Tags builds the encoded tags for segments 0..n-1 of a message.
func Tags(messageID string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = Tag{MessageID: messageID, Segment: i}.Encode()
	}
	return out
}
