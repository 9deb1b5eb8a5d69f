package memory

import "testing"

func TestAssembleContext(t *testing.T) {
	history := []Message{
		{Role: RoleUser, Name: "alice", Text: "hey"},
		{Role: RoleAssistant, Text: "hi alice"},
	}

	tests := []struct {
		name      string
		notes     string
		world     string
		wantRoles []string
	}{
		{
			name:      "persona only",
			wantRoles: []string{RoleSystem, RoleUser, RoleAssistant},
		},
		{
			name:      "persona and notes",
			notes:     "Notes about alice: chatty",
			wantRoles: []string{RoleSystem, RoleSystem, RoleUser, RoleAssistant},
		},
		{
			name:      "persona notes and world",
			notes:     "Notes about alice: chatty",
			world:     "Current World State:\n• Weather: raining",
			wantRoles: []string{RoleSystem, RoleSystem, RoleSystem, RoleUser, RoleAssistant},
		},
		{
			name:      "world without notes",
			world:     "Current World State:\n• Weather: raining",
			wantRoles: []string{RoleSystem, RoleSystem, RoleUser, RoleAssistant},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AssembleContext("be yourself", tt.notes, tt.world, history)
			if len(got) != len(tt.wantRoles) {
				t.Fatalf("AssembleContext() returned %d messages, want %d", len(got), len(tt.wantRoles))
			}
			for i, role := range tt.wantRoles {
				if got[i].Role != role {
					t.Errorf("message %d role = %q, want %q", i, got[i].Role, role)
				}
			}
			// Persona always leads.
			if got[0].Text != "be yourself" {
				t.Errorf("first message = %q, want the persona prompt", got[0].Text)
			}
			// History is untouched at the tail.
			if got[len(got)-1].Text != "hi alice" {
				t.Errorf("last message = %q, want the newest history entry", got[len(got)-1].Text)
			}
		})
	}
}

func TestAssembleContext_DoesNotMutateHistory(t *testing.T) {
	history := []Message{{Role: RoleUser, Text: "original"}}
	out := AssembleContext("persona", "notes", "", history)
	out[len(out)-1].Text = "mutated"
	if history[0].Text != "original" {
		t.Error("AssembleContext aliased the caller's history slice")
	}
}
