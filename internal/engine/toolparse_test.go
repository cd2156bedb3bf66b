package engine

import (
	"testing"

	"github.com/basket/starry/internal/tools"
)

func TestParseToolUses(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		want   []string
		params map[string]string
	}{
		{
			name: "no tools",
			text: "just chatting",
		},
		{
			name:   "single read",
			text:   "Looking.\n<read_file>\n<path>src/main.go</path>\n</read_file>",
			want:   []string{tools.ReadFile},
			params: map[string]string{"path": "src/main.go"},
		},
		{
			name:   "multiline content keeps inner newlines",
			text:   "<write_to_file>\n<path>a.txt</path>\n<content>\nline1\nline2\n</content>\n</write_to_file>",
			want:   []string{tools.WriteToFile},
			params: map[string]string{"path": "a.txt", "content": "line1\nline2"},
		},
		{
			name:   "unclosed block from a cut stream",
			text:   "<execute_command>\n<command>go test ./...",
			want:   []string{tools.ExecuteCommand},
			params: map[string]string{"command": "go test ./..."},
		},
		{
			name: "unknown tags ignored",
			text: "<thinking>hmm</thinking>\n<browser_action><url>x</url></browser_action>",
		},
		{
			name:   "earliest tool wins ordering",
			text:   "<attempt_completion><result>ok</result></attempt_completion>\n<read_file><path>b</path></read_file>",
			want:   []string{tools.AttemptCompletion, tools.ReadFile},
			params: map[string]string{"result": "ok"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := parseToolUses(tt.text)
			if len(calls) != len(tt.want) {
				t.Fatalf("got %d calls (%+v), want %d", len(calls), calls, len(tt.want))
			}
			for i, name := range tt.want {
				if calls[i].Name != name {
					t.Errorf("call %d = %q, want %q", i, calls[i].Name, name)
				}
			}
			for k, v := range tt.params {
				if got := calls[0].Params[k]; got != v {
					t.Errorf("param %s = %q, want %q", k, got, v)
				}
			}
		})
	}
}

func TestTextBeforeTools(t *testing.T) {
	if got := textBeforeTools("  I'll read it.\n<read_file><path>a</path></read_file>"); got != "I'll read it." {
		t.Fatalf("got %q", got)
	}
	if got := textBeforeTools("plain\n"); got != "plain" {
		t.Fatalf("got %q", got)
	}
}

func TestMissingParam(t *testing.T) {
	if got := missingParam(tools.Call{Name: tools.WriteToFile, Params: map[string]string{"path": "a"}}); got != "content" {
		t.Fatalf("missing = %q, want content", got)
	}
	if got := missingParam(tools.Call{Name: tools.ReadFile, Params: map[string]string{"path": "a"}}); got != "" {
		t.Fatalf("missing = %q, want none", got)
	}
}

func TestCallLabel(t *testing.T) {
	tests := []struct {
		call tools.Call
		want string
	}{
		{tools.Call{Name: tools.ReadFile, Params: map[string]string{"path": "go.mod"}}, "read_file for 'go.mod'"},
		{tools.Call{Name: tools.ExecuteCommand, Params: map[string]string{"command": "ls"}}, "execute_command for 'ls'"},
		{tools.Call{Name: tools.AskFollowupQuestion}, "ask_followup_question"},
	}
	for _, tt := range tests {
		if got := callLabel(tt.call); got != tt.want {
			t.Errorf("callLabel(%s) = %q, want %q", tt.call.Name, got, tt.want)
		}
	}
}
