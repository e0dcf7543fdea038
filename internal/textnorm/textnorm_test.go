package textnorm

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"whitespace only", "   \t\n", ""},
		{"lowercases", "Engine OVERHEATING", "engine overheating"},
		{"drops punctuation tokens", "brake -- noise !! ok", "brake noise ok"},
		{"keeps attached punctuation", "leak, coolant.", "leak, coolant."},
		{"collapses whitespace", "  a   b\tc ", "a b c"},
		{"keeps spn", "Engine overheating SPN 123", "engine overheating spn 123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"",
		"Engine overheating SPN 123",
		"  ** Brake : pads WORN, replace!! ",
		"Ölstand niedrig / ÜBERHITZUNG",
		"the pump is leaking at the seal",
	}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Errorf("Normalize not idempotent for %q: %q then %q", in, once, twice)
		}
		sw := NormalizeWith(in, Options{DropStopWords: true})
		if again := NormalizeWith(sw, Options{DropStopWords: true}); again != sw {
			t.Errorf("stop-word mode not idempotent for %q: %q then %q", in, sw, again)
		}
	}
}

func TestTokens_StopWords(t *testing.T) {
	t.Parallel()

	got := Tokens("The pump is leaking at the seal", Options{DropStopWords: true})
	want := []string{"pump", "leaking", "seal"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Tokens = %v, want %v", got, want)
	}

	got = Tokens("The pump", Options{})
	want = []string{"the", "pump"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Tokens without stop-word mode = %v, want %v", got, want)
	}

	if got := Tokens("the a of", Options{DropStopWords: true}); got != nil {
		t.Errorf("Tokens of only stop words = %v, want nil", got)
	}
}

func TestContainsWord(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text   string
		phrase string
		want   bool
	}{
		{"SPN 42 active", "spn", true},
		{"Engine overheating SPN 123", "spn", true},
		{"code spn-42 logged", "spn", true},
		{"(SPN)", "spn", true},
		{"respnd", "spn", false},
		{"crispness", "spn", false},
		{"spnxyz", "spn", false},
		{"spn_1", "spn", false},
		{"spn123", "spn", false},
		{"crispness then spn", "spn", true},
		{"engine", "engine", true},
		{"engines overheating", "engine", false},
		{"fuel pump leaking", "fuel pump", true},
		{"fuel pumps", "fuel pump", false},
		{"anything", "", false},
		{"", "spn", false},
	}

	for _, tt := range tests {
		if got := ContainsWord(tt.text, tt.phrase); got != tt.want {
			t.Errorf("ContainsWord(%q, %q) = %v, want %v", tt.text, tt.phrase, got, tt.want)
		}
	}
}

func TestMatcher(t *testing.T) {
	t.Parallel()

	m := NewMatcher("Brake")
	if !m.Match(Lower("Rear BRAKE squeal")) {
		t.Error("expected match on lowered text")
	}
	if m.Match(Lower("brakes")) {
		t.Error("unexpected substring match")
	}
	if (Matcher{}).Match("anything") {
		t.Error("zero Matcher must never match")
	}
}

func TestIsStopWord(t *testing.T) {
	t.Parallel()

	if !IsStopWord("the") {
		t.Error("expected 'the' to be a stop word")
	}
	if IsStopWord("engine") {
		t.Error("'engine' is not a stop word")
	}
}
