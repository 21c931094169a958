package event

import (
	"testing"
)

func TestDecodeToolPart(t *testing.T) {
	data := []byte(`{
		"id":"prt-2","sessionID":"ses-1","messageID":"msg-1","type":"tool",
		"callID":"call-9","tool":"bash",
		"state":{"status":"running","title":"ls -la","input":{"command":"ls -la"},
			"time":{"start":1700000000000}}}`)

	part, err := DecodePart(data)
	if err != nil {
		t.Fatalf("DecodePart() error = %v", err)
	}

	tool, ok := part.(ToolPart)
	if !ok {
		t.Fatalf("DecodePart() = %T, want ToolPart", part)
	}
	if tool.CallID != "call-9" {
		t.Errorf("CallID = %q, want %q", tool.CallID, "call-9")
	}
	if tool.State.Status != ToolRunning {
		t.Errorf("State.Status = %q, want %q", tool.State.Status, ToolRunning)
	}
	if tool.State.Time == nil || tool.State.Time.Start == 0 {
		t.Error("State.Time.Start not decoded")
	}
	if tool.State.Time.End != 0 {
		t.Errorf("State.Time.End = %d, want 0 while running", tool.State.Time.End)
	}
}

func TestDecodeStepFinishPart(t *testing.T) {
	data := []byte(`{
		"id":"prt-3","sessionID":"ses-1","messageID":"msg-1","type":"step-finish",
		"tokens":{"input":120,"output":64,"reasoning":10},"cost":0.0042}`)

	part, err := DecodePart(data)
	if err != nil {
		t.Fatalf("DecodePart() error = %v", err)
	}

	sf, ok := part.(StepFinishPart)
	if !ok {
		t.Fatalf("DecodePart() = %T, want StepFinishPart", part)
	}
	if sf.Tokens.Input != 120 || sf.Tokens.Output != 64 {
		t.Errorf("Tokens = %+v, want input 120 output 64", sf.Tokens)
	}
}

func TestDecodePatchPart(t *testing.T) {
	data := []byte(`{
		"id":"prt-4","sessionID":"ses-1","messageID":"msg-1","type":"patch",
		"hash":"abc123","files":["main.go","go.mod"]}`)

	part, err := DecodePart(data)
	if err != nil {
		t.Fatalf("DecodePart() error = %v", err)
	}

	patch, ok := part.(PatchPart)
	if !ok {
		t.Fatalf("DecodePart() = %T, want PatchPart", part)
	}
	if len(patch.Files) != 2 {
		t.Errorf("Files = %v, want 2 entries", patch.Files)
	}
}

func TestDecodeUnknownPartKind(t *testing.T) {
	data := []byte(`{
		"id":"prt-5","sessionID":"ses-1","messageID":"msg-1",
		"type":"snapshot","snapshot":"deadbeef"}`)

	part, err := DecodePart(data)
	if err != nil {
		t.Fatalf("DecodePart() error = %v, unknown kinds must not fail", err)
	}

	unk, ok := part.(UnknownPart)
	if !ok {
		t.Fatalf("DecodePart() = %T, want UnknownPart", part)
	}
	if unk.Kind() != "snapshot" {
		t.Errorf("Kind() = %q, want %q", unk.Kind(), "snapshot")
	}
	if unk.PartID() != "prt-5" {
		t.Errorf("PartID() = %q, want %q", unk.PartID(), "prt-5")
	}
	if len(unk.Raw) == 0 {
		t.Error("Raw payload was not preserved")
	}
}

func TestDecodePartMalformed(t *testing.T) {
	if _, err := DecodePart([]byte(`{"id":"x"}`)); err == nil {
		t.Error("DecodePart() without type should fail")
	}
	if _, err := DecodePart([]byte(`nope`)); err == nil {
		t.Error("DecodePart() with invalid JSON should fail")
	}
}
