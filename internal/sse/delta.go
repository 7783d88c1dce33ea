package sse

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// DoneSentinel is the payload that ends a stream.
const DoneSentinel = "[DONE]"

// ErrMalformedFrame marks a data payload that is neither the sentinel nor a
// chat-completions chunk.
var ErrMalformedFrame = errors.New("malformed frame")

// DeltaKind identifies what a data payload carried.
type DeltaKind int

const (
	DeltaText DeltaKind = iota
	DeltaEnd
	DeltaUnparseable
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaText:
		return "text"
	case DeltaEnd:
		return "end"
	default:
		return "unparseable"
	}
}

// Delta is the value extracted from one data frame.
type Delta struct {
	Kind    DeltaKind
	Content string
	// Raw and Err are set for DeltaUnparseable.
	Raw string
	Err error
}

// TextDelta builds a DeltaText value.
func TextDelta(content string) Delta {
	return Delta{Kind: DeltaText, Content: content}
}

// Extract reads choices[0].delta.content from a data payload. It never fails:
// bad payloads come back as DeltaUnparseable with Err wrapping ErrMalformedFrame.
func Extract(payload string) Delta {
	if payload == DoneSentinel {
		return Delta{Kind: DeltaEnd}
	}
	if !gjson.Valid(payload) {
		return unparseable(payload, "invalid json")
	}
	doc := gjson.Parse(payload)
	if !doc.IsObject() {
		return unparseable(payload, "payload is not an object")
	}
	if !doc.Get("choices").IsArray() {
		return unparseable(payload, "missing choices array")
	}

	// A first chunk may carry only role metadata; that is a valid empty delta.
	content := doc.Get("choices.0.delta.content")
	if content.Type != gjson.String {
		return TextDelta("")
	}
	return TextDelta(content.Str)
}

func unparseable(payload, reason string) Delta {
	return Delta{
		Kind: DeltaUnparseable,
		Raw:  payload,
		Err:  fmt.Errorf("%w: %s", ErrMalformedFrame, reason),
	}
}
