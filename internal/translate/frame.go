package translate

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
)

// FrameKind tags a decoded stream line.
type FrameKind int

const (
	// FrameSkip is a blank line, an empty payload or a payload that is not JSON.
	FrameSkip FrameKind = iota
	// FrameFragment carries a single text fragment in V.
	FrameFragment
	// FrameBranchSet carries ordered reply alternatives.
	FrameBranchSet
	// FrameIdentifierOnly carries a reply id and no text.
	FrameIdentifierOnly
	// FrameUnrecognized is valid JSON in an unknown shape.
	FrameUnrecognized
	// FrameSignal is a bare JSON object outside the data envelope.
	FrameSignal
)

func (k FrameKind) String() string {
	switch k {
	case FrameSkip:
		return "skip"
	case FrameFragment:
		return "fragment"
	case FrameBranchSet:
		return "branch_set"
	case FrameIdentifierOnly:
		return "identifier_only"
	case FrameUnrecognized:
		return "unrecognized"
	case FrameSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// Branch is one reply alternative.
type Branch struct {
	Text  string
	Index int
	// HasText is false when the alternative carried no string v.
	HasText bool
}

// Frame is a decoded line of the reply stream.
type Frame struct {
	Kind     FrameKind
	MsgID    string // set on any data frame carrying msg_id
	Text     string
	Branches []Branch
	Code     string // FrameSignal only
}

// Primary returns, in order, the texts of branches with index 0.
func (f Frame) Primary() []string {
	var out []string
	for _, b := range f.Branches {
		if b.Index == 0 && b.HasText {
			out = append(out, b.Text)
		}
	}
	return out
}

const dataPrefix = "data:"

type rawFrame struct {
	MsgID json.RawMessage `json:"msg_id"`
	V     json.RawMessage `json:"v"`
	C     json.RawMessage `json:"c"`
}

type rawBranch struct {
	V json.RawMessage `json:"v"`
	C json.RawMessage `json:"c"`
}

// DecodeLine classifies one line of the reply stream. It never fails;
// anything it cannot use decodes as FrameSkip.
func DecodeLine(line string) Frame {
	line = strings.TrimSpace(line)
	if line == "" {
		return Frame{Kind: FrameSkip}
	}
	if !strings.HasPrefix(line, dataPrefix) {
		var sig struct {
			Code string `json:"code"`
		}
		if err := json.Unmarshal([]byte(line), &sig); err != nil {
			return Frame{Kind: FrameSkip}
		}
		return Frame{Kind: FrameSignal, Code: sig.Code}
	}

	payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if payload == "" {
		return Frame{Kind: FrameSkip}
	}
	var raw rawFrame
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return Frame{Kind: FrameSkip}
	}

	f := Frame{Kind: FrameUnrecognized}
	if id, ok := decodeString(raw.MsgID); ok && id != "" {
		f.MsgID = id
		f.Kind = FrameIdentifierOnly
	}
	if branches, ok := decodeBranches(raw.C); ok {
		f.Kind = FrameBranchSet
		f.Branches = branches
		return f
	}
	if s, ok := decodeString(raw.V); ok {
		f.Kind = FrameFragment
		f.Text = s
	}
	return f
}

func decodeBranches(raw json.RawMessage) ([]Branch, bool) {
	if !isArray(raw) {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	out := make([]Branch, 0, len(items))
	for _, item := range items {
		var rb rawBranch
		if err := json.Unmarshal(item, &rb); err != nil {
			// Non-object entries carry nothing selectable.
			continue
		}
		b := Branch{Index: branchIndex(rb.C)}
		b.Text, b.HasText = decodeString(rb.V)
		out = append(out, b)
	}
	return out, true
}

// branchIndex defaults an absent index to 0. Any number with an integral
// value is accepted, so 0.0 selects the primary branch; null and other
// values never do.
func branchIndex(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return -1
	}
	if n != math.Trunc(n) || math.Abs(n) > math.MaxInt32 {
		return -1
	}
	return int(n)
}

func decodeString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func isArray(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] == '['
}
