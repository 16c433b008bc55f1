package tmux

import (
	"strings"
	"testing"
)

func TestShellQuote_SafeCharsPassThrough(t *testing.T) {
	in := "claude-code_v2/bin:tool@host+x=1"
	if got := ShellQuote(in); got != in {
		t.Fatalf("expected safe string to pass through unquoted, got %q", got)
	}
}

func TestShellQuote_EmptyString(t *testing.T) {
	if got := ShellQuote(""); got != "''" {
		t.Fatalf("expected empty string to quote as '', got %q", got)
	}
}

func TestShellQuote_SpaceForcesQuoting(t *testing.T) {
	got := ShellQuote("hello world")
	if got != "'hello world'" {
		t.Fatalf("expected quoted string, got %q", got)
	}
}

func TestShellQuote_EmbeddedSingleQuote(t *testing.T) {
	got := ShellQuote("it's a test")
	want := `'it'\''s a test'`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestShellQuote_RoundTripsThroughSh(t *testing.T) {
	cases := []string{
		"plain",
		"has space",
		"quote'd",
		"$(echo hacked)",
		"semi;colon",
		"back`tick`",
		"mix 'of' \"quotes\"",
		"",
	}
	for _, c := range cases {
		quoted := ShellQuote(c)
		// A literal reconstruction check: unwrap the quoting by hand and
		// confirm it reproduces the original. This mirrors what a shell
		// would do without actually invoking one.
		if strings.HasPrefix(quoted, "'") {
			unescaped := strings.ReplaceAll(quoted[1:len(quoted)-1], `'\''`, "'")
			if unescaped != c {
				t.Fatalf("round trip failed for %q: got %q via %q", c, unescaped, quoted)
			}
		} else if quoted != c {
			t.Fatalf("unquoted form should equal input: %q != %q", quoted, c)
		}
	}
}

func TestShellJoin(t *testing.T) {
	got := ShellJoin([]string{"claude", "--session-id", "abc-123", "do this"})
	want := "claude --session-id abc-123 'do this'"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
