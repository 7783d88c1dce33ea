package sse

import "strings"

// FrameKind classifies a complete wire line.
type FrameKind int

const (
	FrameBlank FrameKind = iota
	FrameComment
	FrameData
	FrameUnknown
)

func (k FrameKind) String() string {
	switch k {
	case FrameBlank:
		return "blank"
	case FrameComment:
		return "comment"
	case FrameData:
		return "data"
	default:
		return "unknown"
	}
}

const dataPrefix = "data: "

// Frame is a classified line. Payload is only set for FrameData.
type Frame struct {
	Kind    FrameKind
	Payload string
}

// Classify maps one complete line to a Frame. Matching is exact-prefix and
// case-sensitive: "data:" without the following space is FrameUnknown.
func Classify(line string) Frame {
	if strings.TrimSpace(line) == "" {
		return Frame{Kind: FrameBlank}
	}
	if strings.HasPrefix(line, ":") {
		return Frame{Kind: FrameComment}
	}
	if strings.HasPrefix(line, dataPrefix) {
		return Frame{Kind: FrameData, Payload: strings.TrimSpace(line[len(dataPrefix):])}
	}
	return Frame{Kind: FrameUnknown}
}
