package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                            "/",
		"/metrics":                    "/metrics",
		"/v1/deals":                   "/v1/deals",
		"/v1/deals/CABC":              "/v1/deals/:address",
		"/v1/deals/CABC/accept":       "/v1/deals/:address/accept",
		"/v1/deals/CABC/vault":        "/v1/deals/:address/vault",
		"/v1/wallets/GXYZ/balance":    "/v1/wallets/:address/balance",
		"/v1/deals/CABC/fund?dry=1":   "/v1/deals/:address/fund",
		"/v1/platform":                "/v1/platform",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
