package translate

import "testing"

func TestDecodeLine(t *testing.T) {
	cases := []struct {
		line  string
		kind  FrameKind
		msgID string
		text  string
		code  string
	}{
		{"", FrameSkip, "", "", ""},
		{"   ", FrameSkip, "", "", ""},
		{"data: ", FrameSkip, "", "", ""},
		{"data: nope", FrameSkip, "", "", ""},
		{"plain text", FrameSkip, "", "", ""},
		{`data: {"v":"hi"}`, FrameFragment, "", "hi", ""},
		{`data:{"v":"hi"}`, FrameFragment, "", "hi", ""},
		{`data: {"msg_id":"m1","v":"hi"}`, FrameFragment, "m1", "hi", ""},
		{`data: {"msg_id":"m2"}`, FrameIdentifierOnly, "m2", "", ""},
		{`data: {"msg_id":42}`, FrameUnrecognized, "", "", ""},
		{`data: {"other":true}`, FrameUnrecognized, "", "", ""},
		{`data: {"c":[]}`, FrameBranchSet, "", "", ""},
		{`{"code":"chat_choice_shown"}`, FrameSignal, "", "", "chat_choice_shown"},
	}
	for _, tc := range cases {
		f := DecodeLine(tc.line)
		if f.Kind != tc.kind || f.MsgID != tc.msgID || f.Text != tc.text || f.Code != tc.code {
			t.Errorf("DecodeLine(%q) = %+v (%s), want kind=%s msg=%q text=%q code=%q",
				tc.line, f, f.Kind, tc.kind, tc.msgID, tc.text, tc.code)
		}
	}
}

func TestDecodeLineBranches(t *testing.T) {
	f := DecodeLine(`data: {"msg_id":"m","c":[{"v":"A"},{"v":"B","c":1},{"c":0},"junk",{"v":"C","c":"x"}]}`)
	if f.Kind != FrameBranchSet {
		t.Fatalf("expected branch set, got %s", f.Kind)
	}
	if len(f.Branches) != 4 {
		t.Fatalf("expected 4 usable branches, got %d", len(f.Branches))
	}
	if f.Branches[3].Index != -1 {
		t.Fatalf("expected unreadable index to be -1, got %d", f.Branches[3].Index)
	}
	primary := f.Primary()
	if len(primary) != 1 || primary[0] != "A" {
		t.Fatalf("unexpected primary texts %v", primary)
	}
}

func TestDecodeLineBranchIndexForms(t *testing.T) {
	f := DecodeLine(`data: {"c":[{"v":"A","c":null},{"v":"B","c":0.0},{"v":"C","c":1.5},{"v":"D","c":2}]}`)
	if f.Kind != FrameBranchSet {
		t.Fatalf("expected branch set, got %s", f.Kind)
	}
	want := []int{-1, 0, -1, 2}
	for i, b := range f.Branches {
		if b.Index != want[i] {
			t.Fatalf("branch %d: expected index %d, got %d", i, want[i], b.Index)
		}
	}
	primary := f.Primary()
	if len(primary) != 1 || primary[0] != "B" {
		t.Fatalf("expected only B as primary, got %v", primary)
	}
}
