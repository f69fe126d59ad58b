package allowlist

import "testing"

func testConfig() Config {
	return NewConfig(true,
		[]string{"/v1/chat/completions", "audio/transcriptions"},
		[]string{"gpt-4o-mini"},
		"gpt-4o-mini",
	)
}

func TestEndpointAllowed(t *testing.T) {
	c := testConfig()
	if !c.EndpointAllowed("/v1/chat/completions?foo=bar") {
		t.Fatal("expected configured endpoint with query string to be allowed")
	}
	if !c.EndpointAllowed("audio/transcriptions") {
		t.Fatal("expected bare path to be prefixed with /v1/ and matched")
	}
	if c.EndpointAllowed("/v1/models") {
		t.Fatal("expected unconfigured endpoint to be disallowed")
	}
}

func TestEndpointAllowedDisabled(t *testing.T) {
	c := testConfig()
	c.Enabled = false
	if !c.EndpointAllowed("/v1/anything") {
		t.Fatal("expected all endpoints allowed when disabled")
	}
}

func TestModelAllowed(t *testing.T) {
	c := testConfig()
	if !c.ModelAllowed("") {
		t.Fatal("expected empty model to be allowed (will be defaulted)")
	}
	if !c.ModelAllowed("gpt-4o-mini") {
		t.Fatal("expected configured model to be allowed")
	}
	if c.ModelAllowed("gpt-4") {
		t.Fatal("expected unconfigured model to be disallowed")
	}
}

func TestNormalizeDefaultsMissingModel(t *testing.T) {
	c := testConfig()
	body := map[string]any{"messages": []any{}}
	defaulted, err := c.Normalize(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !defaulted {
		t.Fatal("expected model to be defaulted")
	}
	if body["model"] != "gpt-4o-mini" {
		t.Fatalf("expected default model substituted, got %v", body["model"])
	}
}

func TestNormalizeRejectsDisallowedModel(t *testing.T) {
	c := testConfig()
	body := map[string]any{"model": "gpt-4"}
	_, err := c.Normalize(body)
	if err == nil {
		t.Fatal("expected error for disallowed model")
	}
	if _, ok := err.(*ErrModelNotAllowed); !ok {
		t.Fatalf("expected ErrModelNotAllowed, got %T", err)
	}
}

func TestNormalizePassesAllowedModel(t *testing.T) {
	c := testConfig()
	body := map[string]any{"model": "gpt-4o-mini"}
	defaulted, err := c.Normalize(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if defaulted {
		t.Fatal("expected defaulted=false for an explicit allowed model")
	}
}
