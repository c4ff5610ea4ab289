package sqlite

import (
	"testing"
)

func TestConvertWebsearchToFTS5(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "simple term",
			input:    "dragon",
			expected: `"dragon"`,
		},
		{
			name:     "multiple terms",
			input:    "red dragon",
			expected: `"red" AND "dragon"`,
		},
		{
			name:     "explicit AND",
			input:    "dragon AND sword",
			expected: `"dragon" AND "sword"`,
		},
		{
			name:     "explicit OR",
			input:    "dragon or sword",
			expected: `"dragon" OR "sword"`,
		},
		{
			name:     "negation",
			input:    "dragon -fire",
			expected: `"dragon" NOT "fire"`,
		},
		{
			name:     "negation after operator",
			input:    "dragon AND -fire",
			expected: `"dragon" NOT "fire"`,
		},
		{
			name:     "leading negation dropped",
			input:    "-fire",
			expected: "",
		},
		{
			name:     "phrase",
			input:    `"red dragon"`,
			expected: `"red dragon"`,
		},
		{
			name:     "phrase with other term",
			input:    `"red dragon" castle`,
			expected: `"red dragon" AND "castle"`,
		},
		{
			name:     "prefix search",
			input:    "dragon*",
			expected: `"dragon"*`,
		},
		{
			name:     "complex query",
			input:    `"red dragon" -fire castle OR tower`,
			expected: `"red dragon" NOT "fire" AND "castle" OR "tower"`,
		},
		{
			name:     "NOT operator",
			input:    "dragon NOT fire",
			expected: `"dragon" NOT "fire"`,
		},
		{
			name:     "trailing operator",
			input:    "dragon AND",
			expected: `"dragon"`,
		},
		{
			name:     "punctuation stays literal",
			input:    `o'brien's (keep):`,
			expected: `"o'brien's" AND "(keep):"`,
		},
		{
			name:     "unterminated phrase",
			input:    `castle "iron gate`,
			expected: `"castle" AND "iron gate"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := convertWebsearchToFTS5(tt.input)
			if result != tt.expected {
				t.Errorf("convertWebsearchToFTS5(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestParseDSN(t *testing.T) {
	tests := []struct {
		dsn     string
		want    string
		wantErr bool
	}{
		{dsn: "sqlite://:memory:", want: ":memory:"},
		{dsn: "sqlite://runtime/world.db", want: "./runtime/world.db"},
		{dsn: "sqlite:///var/lib/world.db", want: "/var/lib/world.db"},
		{dsn: "sqlite://my%20world.db?cache=shared", want: "./my world.db?cache=shared"},
		{dsn: "postgres://localhost/world", wantErr: true},
		{dsn: "sqlite://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			got, err := parseDSN(tt.dsn)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseDSN(%q) expected error", tt.dsn)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDSN(%q): %v", tt.dsn, err)
			}
			if got != tt.want {
				t.Errorf("parseDSN(%q) = %q, want %q", tt.dsn, got, tt.want)
			}
		})
	}
}
