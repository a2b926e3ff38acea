package cli

import (
	"bytes"
	"strings"
	"testing"
)

// scriptedPrompter feeds the given answers, one per line, like a user typing
// through the init wizard.
func scriptedPrompter(answers ...string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	in := strings.NewReader(strings.Join(answers, "\n") + "\n")
	return &Prompter{In: in, Out: out}, out
}

func TestAsk(t *testing.T) {
	tests := []struct {
		name  string
		input string
		def   string
		want  string
	}{
		{"typed answer wins", ":9090", ":8080", ":9090"},
		{"empty uses default", "", "snipforge.db", "snipforge.db"},
		{"whitespace uses default", "   ", "snipforge.db", "snipforge.db"},
		{"no default, typed", "postgres://localhost/sf", "", "postgres://localhost/sf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := scriptedPrompter(tt.input)
			if got := p.Ask("Value", tt.def); got != tt.want {
				t.Errorf("Ask() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAskPasswordWithoutTerminal(t *testing.T) {
	// A strings.Reader is not a terminal, so the plain read path runs.
	p, _ := scriptedPrompter("sk_test_abc123")
	if got := p.AskPassword("Stripe secret key"); got != "sk_test_abc123" {
		t.Errorf("AskPassword() = %q", got)
	}
}

func TestAskIntReAsksOnBadInput(t *testing.T) {
	p, out := scriptedPrompter("lots", "25")
	if got := p.AskInt("Pool size", 10); got != 25 {
		t.Errorf("AskInt() = %d, want 25", got)
	}
	if !strings.Contains(out.String(), "Please enter a number") {
		t.Error("expected a re-ask hint after non-numeric input")
	}
}

func TestAskIntEmptyUsesDefault(t *testing.T) {
	p, _ := scriptedPrompter("")
	if got := p.AskInt("Pool size", 10); got != 10 {
		t.Errorf("AskInt() = %d, want 10", got)
	}
}

func TestChoose(t *testing.T) {
	drivers := []string{"sqlite", "postgres"}

	t.Run("picks by number", func(t *testing.T) {
		p, _ := scriptedPrompter("2")
		if got := p.Choose("Database driver", drivers, 0); got != "postgres" {
			t.Errorf("Choose() = %q, want postgres", got)
		}
	})

	t.Run("empty picks default", func(t *testing.T) {
		p, _ := scriptedPrompter("")
		if got := p.Choose("Database driver", drivers, 0); got != "sqlite" {
			t.Errorf("Choose() = %q, want sqlite", got)
		}
	})

	t.Run("out of range re-asks", func(t *testing.T) {
		p, out := scriptedPrompter("9", "1")
		if got := p.Choose("Database driver", drivers, 0); got != "sqlite" {
			t.Errorf("Choose() = %q, want sqlite", got)
		}
		if !strings.Contains(out.String(), "between 1 and 2") {
			t.Error("expected a range hint after out-of-range choice")
		}
	})
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		defaultYes bool
		want       bool
	}{
		{"y means yes", "y", false, true},
		{"yes means yes", "yes", false, true},
		{"n overrides default yes", "n", true, false},
		{"empty keeps default yes", "", true, true},
		{"empty keeps default no", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := scriptedPrompter(tt.input)
			if got := p.Confirm("Enable Stripe billing?", tt.defaultYes); got != tt.want {
				t.Errorf("Confirm(%q, default=%v) = %v, want %v", tt.input, tt.defaultYes, got, tt.want)
			}
		})
	}
}
