package app

import "testing"

func TestNewOperation(t *testing.T) {
	tests := []struct {
		name      string
		command   string
		arguments string
	}{
		{name: "with arguments", command: "backup", arguments: "/home/user/docs"},
		{name: "empty arguments", command: "dir init", arguments: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewOperation(tt.command, tt.arguments)

			if op.Command != tt.command {
				t.Errorf("Command = %q, want %q", op.Command, tt.command)
			}
			if op.Arguments != tt.arguments {
				t.Errorf("Arguments = %q, want %q", op.Arguments, tt.arguments)
			}
			if op.ID == "" {
				t.Error("ID = \"\", want non-empty")
			}
		})
	}
}

func TestNewOperation_uniqueIDs(t *testing.T) {
	a := NewOperation("backup", "")
	b := NewOperation("backup", "")

	if a.ID == b.ID {
		t.Errorf("expected distinct operation IDs, both were %q", a.ID)
	}
}
