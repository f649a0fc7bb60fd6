package engine

import "testing"

func TestCorrectAggregation(t *testing.T) {
	tests := []struct {
		name      string
		corrupted string
		ref       string
		want      string
	}{
		{
			name:      "restores punctuation and spacing",
			corrupted: "hello there how are you",
			ref:       "Hello there! How are you?",
			want:      "Hello there! How are you?",
		},
		{
			name:      "cut off mid sentence keeps spoken prefix",
			corrupted: "hello there how",
			ref:       "Hello there! How are you?",
			want:      "Hello there! How",
		},
		{
			name:      "diverging speech falls back to spoken form",
			corrupted: "hello world",
			ref:       "Goodbye moon.",
			want:      "hello world",
		},
		{
			name:      "tolerates a single transit glitch",
			corrupted: "hhello there how are you",
			ref:       "Hello there! How are you?",
			want:      "Hello there! How are you?",
		},
		{
			name:      "two glitches keep the spoken form",
			corrupted: "hhhello there how are you",
			ref:       "Hello there! How are you?",
			want:      "hhhello there how are you",
		},
		{
			name:      "empty reference",
			corrupted: "something",
			ref:       "",
			want:      "something",
		},
		{
			name:      "empty spoken",
			corrupted: "",
			ref:       "Hello.",
			want:      "",
		},
		{
			name:      "numbers survive alignment",
			corrupted: "the total is 42 dollars",
			ref:       "The total is 42 dollars.",
			want:      "The total is 42 dollars.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CorrectAggregation(tt.corrupted, tt.ref); got != tt.want {
				t.Errorf("CorrectAggregation(%q, %q) = %q, want %q", tt.corrupted, tt.ref, got, tt.want)
			}
		})
	}
}

func TestRenderTemplate(t *testing.T) {
	vars := map[string]string{"first_name": "Ada", "company": "Acme"}
	tests := []struct {
		tmpl, want string
	}{
		{"Hi {{first_name}} from {{company}}!", "Hi Ada from Acme!"},
		{"Hi {{ first_name }}!", "Hi Ada!"},
		{"No placeholders here.", "No placeholders here."},
		{"Unknown {{nope}} renders empty.", "Unknown  renders empty."},
		{"Unclosed {{first_name stays literal", "Unclosed {{first_name stays literal"},
	}
	for _, tt := range tests {
		if got := RenderTemplate(tt.tmpl, vars); got != tt.want {
			t.Errorf("RenderTemplate(%q) = %q, want %q", tt.tmpl, got, tt.want)
		}
	}
}

func TestEvalExpression(t *testing.T) {
	tests := []struct {
		expr string
		want float64
	}{
		{"1 + 2", 3},
		{"2 * 3 + 4", 10},
		{"2 + 3 * 4", 14},
		{"(2 + 3) * 4", 20},
		{"10 / 4", 2.5},
		{"-5 + 3", -2},
		{"2 ^ 10", 1024},
		{"7 % 3", 1},
		{"3.5 * 2", 7},
	}
	for _, tt := range tests {
		got, err := evalExpression(tt.expr)
		if err != nil {
			t.Errorf("evalExpression(%q): %v", tt.expr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("evalExpression(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}

	for _, bad := range []string{"", "1 +", "2 / 0", "(1 + 2", "abc"} {
		if _, err := evalExpression(bad); err == nil {
			t.Errorf("evalExpression(%q) should fail", bad)
		}
	}
}
