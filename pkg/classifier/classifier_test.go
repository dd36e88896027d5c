package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/hostlinkhq/hostlink/pkg/registry"
)

func testSkills() []registry.Skill {
	return []registry.Skill{
		{
			ID:          "forecast",
			Name:        "Weather forecast",
			Description: "Hourly and daily weather forecasts",
			Examples:    []string{"will it rain tomorrow", "temperature in Lisbon"},
			Tags:        map[string]string{registry.TagType: "weather"},
		},
		{
			ID:          "invoices",
			Name:        "Invoice lookup",
			Description: "Find and explain billing invoices",
			Examples:    []string{"show my latest invoice"},
			Tags:        map[string]string{registry.TagType: "billing"},
		},
		{
			ID:   "untyped",
			Name: "No routing tag",
		},
	}
}

func TestStatic_Classify(t *testing.T) {
	cls := NewStatic()
	ctx := context.Background()

	tests := []struct {
		prompt string
		want   string
	}{
		{"what is the weather forecast for tomorrow", "weather"},
		{"will it rain this afternoon", "weather"},
		{"show my billing invoice from March", "billing"},
		{"explain the latest invoice", "billing"},
	}

	for _, tt := range tests {
		got, err := cls.Classify(ctx, tt.prompt, testSkills())
		if err != nil {
			t.Fatalf("classifier:classifier_test - Classify(%q) failed: %v", tt.prompt, err)
		}
		if got != tt.want {
			t.Errorf("classifier:classifier_test - Classify(%q) = %q, want %q", tt.prompt, got, tt.want)
		}
	}
}

func TestStatic_Unclassified(t *testing.T) {
	cls := NewStatic()
	for _, prompt := range []string{"", "ab cd", "xyzzy plugh quux"} {
		_, err := cls.Classify(context.Background(), prompt, testSkills())
		if !errors.Is(err, ErrUnclassified) {
			t.Errorf("classifier:classifier_test - Classify(%q): got %v, want ErrUnclassified", prompt, err)
		}
	}
}

func TestTypeList(t *testing.T) {
	got := TypeList(testSkills())
	want := "- weather: Hourly and daily weather forecasts\n- billing: Find and explain billing invoices\n"
	if got != want {
		t.Errorf("classifier:classifier_test - TypeList = %q, want %q", got, want)
	}
}
