package registry

import (
	"testing"
)

func testCards() []ServiceCard {
	return []ServiceCard{
		{
			Name: "weather-service",
			URL:  "http://weather.local",
			Skills: []Skill{
				{
					ID:          "forecast",
					Name:        "Weather forecast",
					Description: "Hourly and daily weather forecasts",
					Tags:        map[string]string{TagType: "weather"},
				},
			},
		},
		{
			Name: "horizon-billing",
			URL:  "http://billing.horizon.local",
			Skills: []Skill{
				{
					ID:   "invoices",
					Name: "Invoice lookup",
					Tags: map[string]string{TagType: "billing", TagTenantID: "horizon"},
				},
			},
		},
		{
			Name: "acme-billing",
			URL:  "http://billing.acme.local",
			Skills: []Skill{
				{
					ID:   "invoices",
					Name: "Invoice lookup",
					Tags: map[string]string{TagType: "billing", TagTenantID: "acme"},
				},
			},
		},
	}
}

func TestResolve_GlobalType(t *testing.T) {
	snap := BuildSnapshot(testCards())

	// A global type ignores the tenant entirely.
	for _, tenant := range []string{"", "horizon", "unknown"} {
		ep, err := snap.Resolve("weather", tenant)
		if err != nil {
			t.Fatalf("registry:resolve_test - Resolve(weather, %q) failed: %v", tenant, err)
		}
		if ep.CardName != "weather-service" || ep.URL != "http://weather.local" {
			t.Errorf("registry:resolve_test - Resolve(weather, %q) = %+v, want weather-service", tenant, ep)
		}
	}
}

func TestResolve_TenantScoped(t *testing.T) {
	snap := BuildSnapshot(testCards())

	tests := []struct {
		name     string
		tenantID string
		wantCard string
		wantCode string
	}{
		{name: "matching tenant", tenantID: "horizon", wantCard: "horizon-billing"},
		{name: "other tenant", tenantID: "acme", wantCard: "acme-billing"},
		{name: "missing tenant", tenantID: "", wantCode: CodeAgentNotFound},
		{name: "unknown tenant", tenantID: "globex", wantCode: CodeAgentNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep, err := snap.Resolve("billing", tt.tenantID)
			if tt.wantCode != "" {
				if err == nil {
					t.Fatalf("registry:resolve_test - expected error, got %+v", ep)
				}
				if ErrorCode(err) != tt.wantCode {
					t.Errorf("registry:resolve_test - code = %q, want %q", ErrorCode(err), tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("registry:resolve_test - unexpected error: %v", err)
			}
			if ep.CardName != tt.wantCard {
				t.Errorf("registry:resolve_test - card = %q, want %q", ep.CardName, tt.wantCard)
			}
		})
	}
}

func TestResolve_UnknownType(t *testing.T) {
	snap := BuildSnapshot(testCards())

	_, err := snap.Resolve("payroll", "")
	if err == nil {
		t.Fatal("registry:resolve_test - expected error for unknown type")
	}
	if ErrorCode(err) != CodeAgentNotFound {
		t.Errorf("registry:resolve_test - code = %q, want AGENT_NOT_FOUND", ErrorCode(err))
	}
}

func TestResolve_AmbiguousMatch(t *testing.T) {
	cards := testCards()
	cards = append(cards, ServiceCard{
		Name: "weather-service-2",
		URL:  "http://weather2.local",
		Skills: []Skill{
			{ID: "forecast", Tags: map[string]string{TagType: "weather"}},
		},
	})
	snap := BuildSnapshot(cards)

	_, err := snap.Resolve("weather", "")
	if err == nil {
		t.Fatal("registry:resolve_test - expected ambiguity error")
	}
	if ErrorCode(err) != CodeAmbiguousServiceMatch {
		t.Errorf("registry:resolve_test - code = %q, want AMBIGUOUS_SERVICE_MATCH", ErrorCode(err))
	}
}

func TestResolve_MultipleSkillsSameCard(t *testing.T) {
	cards := []ServiceCard{
		{
			Name: "travel-service",
			URL:  "http://travel.local",
			Skills: []Skill{
				{ID: "flights", Tags: map[string]string{TagType: "travel"}},
				{ID: "hotels", Tags: map[string]string{TagType: "travel"}},
			},
		},
	}
	snap := BuildSnapshot(cards)

	ep, err := snap.Resolve("travel", "")
	if err != nil {
		t.Fatalf("registry:resolve_test - two skills on one card must resolve: %v", err)
	}
	if ep.CardName != "travel-service" {
		t.Errorf("registry:resolve_test - card = %q, want travel-service", ep.CardName)
	}
}
