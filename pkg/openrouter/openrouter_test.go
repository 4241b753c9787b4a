package openrouter

import "testing"

func TestNewClientRequiresAPIKey(t *testing.T) {
	t.Parallel()

	if c := NewClient(Config{}); c != nil {
		t.Fatal("expected nil client without an api key")
	}
	if c := NewClient(Config{APIKey: "  "}); c != nil {
		t.Fatal("expected nil client for a blank api key")
	}

	c := NewClient(Config{
		APIKey:   "sk-test",
		BaseURL:  "https://openrouter.ai/api/v1/",
		SiteURL:  "https://example.test",
		SiteName: "concierge",
	})
	if c == nil {
		t.Fatal("expected a client once the api key is set")
	}
}
