package agent

import (
	"testing"

	"github.com/voxbridge/voxbridge/pkg/provider/llm"
)

func TestDirectoryResolve(t *testing.T) {
	dir := NewDirectory(map[string]string{
		"Billing":           "2001",
		"Technical Support": "2002",
		"Sales":             "2003",
	}, 0)

	tests := []struct {
		name   string
		target string
		want   string
	}{
		{"dialable passthrough", "1234", "1234"},
		{"dialable with symbols", "*98#", "*98#"},
		{"exact name", "billing", "2001"},
		{"case and spacing", "  Technical   Support ", "2002"},
		{"fuzzy transcription split", "bill ing", "2001"},
		{"fuzzy transcription typo", "bilings", "2001"},
		{"fuzzy multiword", "technical suport", "2002"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := dir.Resolve(tt.target)
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tt.target, err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.target, got, tt.want)
			}
		})
	}
}

func TestDirectoryResolveRejects(t *testing.T) {
	dir := NewDirectory(map[string]string{"billing": "2001"}, 0)

	for _, target := range []string{"", "   ", "accounting", "20;01"} {
		if got, err := dir.Resolve(target); err == nil {
			t.Errorf("Resolve(%q) = %q, want error", target, got)
		}
	}
}

func TestDirectoryResolveWithoutEntries(t *testing.T) {
	var dir *Directory
	if got, err := dir.Resolve("3000"); err != nil || got != "3000" {
		t.Errorf("nil directory dialable = (%q, %v), want (3000, nil)", got, err)
	}
	if _, err := dir.Resolve("billing"); err == nil {
		t.Error("nil directory resolved a name, want error")
	}
}

func TestCallToolsShape(t *testing.T) {
	tools := callTools()
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	byName := map[string]llm.ToolDefinition{}
	for _, td := range tools {
		byName[td.Name] = td
	}
	if _, ok := byName[toolTransferCall]; !ok {
		t.Errorf("missing %s tool", toolTransferCall)
	}
	if _, ok := byName[toolEndCall]; !ok {
		t.Errorf("missing %s tool", toolEndCall)
	}
	props, ok := byName[toolTransferCall].Parameters["properties"].(map[string]any)
	if !ok {
		t.Fatal("transfer_call parameters missing properties")
	}
	if _, ok := props["target"]; !ok {
		t.Error("transfer_call schema missing target property")
	}
}

func TestDecodeToolArgs(t *testing.T) {
	var args transferArgs
	tc := llm.ToolCall{Name: toolTransferCall, Arguments: `{"target":"billing","reason":"asked"}`}
	if err := decodeToolArgs(tc, &args); err != nil {
		t.Fatalf("decodeToolArgs: %v", err)
	}
	if args.Target != "billing" || args.Reason != "asked" {
		t.Errorf("args = %+v", args)
	}

	if err := decodeToolArgs(llm.ToolCall{Name: toolEndCall, Arguments: ""}, &endCallArgs{}); err != nil {
		t.Errorf("empty arguments should decode to zero value, got %v", err)
	}
	if err := decodeToolArgs(llm.ToolCall{Name: toolEndCall, Arguments: "{"}, &endCallArgs{}); err == nil {
		t.Error("malformed arguments should error")
	}
}
