package services

import (
	"net/url"
	"testing"

	"donorpage/templates"
)

func TestJoinPath(t *testing.T) {
	tests := []struct {
		name     string
		segments []string
		want     string
	}{
		{"empty", []string{}, "/"},
		{"single", []string{"thank-you"}, "/thank-you"},
		{"empty prefix", []string{"", "thank-you"}, "/thank-you"},
		{"prefix and slug", []string{"donate", "thank-you"}, "/donate/thank-you"},
		{"duplicate slashes", []string{"/donate/", "/thank-you"}, "/donate/thank-you"},
		{"nested prefix", []string{"a/b", "c"}, "/a/b/c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := JoinPath(tt.segments...); got != tt.want {
				t.Errorf("JoinPath(%v) = %q, want %q", tt.segments, got, tt.want)
			}
		})
	}
}

func TestParseInterstitialParams(t *testing.T) {
	q := url.Values{}
	q.Set("rpSlug", "r")
	q.Set("pageSlug", "p")
	q.Set("amount", "123.45")
	q.Set("frequency", "monthly")
	q.Set("uid", "u-1")
	q.Set("email", "donor@example.org")
	q.Set("next", "https://x.org/ty")
	q.Set("fromPath", "donate")

	p := ParseInterstitialParams(q)
	if p.RPSlug != "r" || p.PageSlug != "p" {
		t.Errorf("slug pair = (%q, %q), want (r, p)", p.RPSlug, p.PageSlug)
	}
	if p.Amount != "123.45" {
		t.Errorf("amount = %q, want literal 123.45", p.Amount)
	}
	if p.Next != "https://x.org/ty" || p.FromPath != "donate" {
		t.Errorf("next/fromPath = %q/%q", p.Next, p.FromPath)
	}
}

func TestBuildRedirect_External(t *testing.T) {
	p := InterstitialParams{
		Next:      "https://x.org/ty",
		UID:       "U",
		Frequency: "F",
		Amount:    "A",
	}

	nav, err := BuildRedirect(p, nil, "thank-you")
	if err != nil {
		t.Fatalf("BuildRedirect: %v", err)
	}
	if !nav.External {
		t.Fatal("expected an external navigation")
	}
	want := "https://x.org/ty?uid=U&frequency=F&amount=A"
	if nav.URL != want {
		t.Errorf("URL = %q, want %q", nav.URL, want)
	}
}

func TestBuildRedirect_ExternalOverridesExistingParams(t *testing.T) {
	p := InterstitialParams{
		Next:      "https://x.org/ty?uid=stale&keep=1",
		UID:       "U",
		Frequency: "monthly",
		Amount:    "9.99",
	}

	nav, err := BuildRedirect(p, nil, "thank-you")
	if err != nil {
		t.Fatalf("BuildRedirect: %v", err)
	}
	want := "https://x.org/ty?keep=1&uid=U&frequency=monthly&amount=9.99"
	if nav.URL != want {
		t.Errorf("URL = %q, want %q", nav.URL, want)
	}
}

func TestBuildRedirect_ExternalRejectsRelativeNext(t *testing.T) {
	p := InterstitialParams{Next: "/local/path", UID: "U"}
	if _, err := BuildRedirect(p, nil, "thank-you"); err == nil {
		t.Fatal("expected error for relative next URL")
	}
}

func TestBuildRedirect_InAppBackLinkIsAFullPageRoute(t *testing.T) {
	p := templates.Payment{
		UUID:               "u-1",
		Amount:             "5",
		Interval:           templates.IntervalOneTime,
		PageSlug:           "donate",
		RevenueProgramSlug: "news",
	}
	raw, err := BuildReturnURL("https://give.example.org", p)
	if err != nil {
		t.Fatalf("BuildReturnURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("result does not parse: %v", err)
	}

	nav, err := BuildRedirect(ParseInterstitialParams(u.Query()), nil, "thank-you")
	if err != nil {
		t.Fatalf("BuildRedirect: %v", err)
	}
	// Pages are served at /{rpSlug}/{pageSlug}; both the thank-you path and
	// the back link must keep both segments.
	if nav.Path != "/news/donate/thank-you" {
		t.Errorf("path = %q, want /news/donate/thank-you", nav.Path)
	}
	if nav.State.DonationPageURL != "/news/donate" {
		t.Errorf("back link = %q, want /news/donate", nav.State.DonationPageURL)
	}
}

func TestBuildRedirect_InApp(t *testing.T) {
	page := &templates.PageConfiguration{Slug: "donate", RevenueProgramSlug: "r"}

	tests := []struct {
		name     string
		fromPath string
		wantPath string
	}{
		{"no prefix", "", "/thank-you"},
		{"with prefix", "donate", "/donate/thank-you"},
		{"slashed prefix", "/donate/", "/donate/thank-you"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := InterstitialParams{
				Amount:    "123.45",
				Frequency: "monthly",
				Email:     "donor@example.org",
				FromPath:  tt.fromPath,
			}

			nav, err := BuildRedirect(p, page, "thank-you")
			if err != nil {
				t.Fatalf("BuildRedirect: %v", err)
			}
			if nav.External {
				t.Fatal("expected an in-app navigation")
			}
			if nav.Path != tt.wantPath {
				t.Errorf("path = %q, want %q", nav.Path, tt.wantPath)
			}
			if nav.State.Amount != "123.45" {
				t.Errorf("state amount = %q, want the literal query value", nav.State.Amount)
			}
			if nav.State.FrequencyText != "monthly" || nav.State.Email != "donor@example.org" {
				t.Errorf("state = %+v", nav.State)
			}
			if nav.State.Page != page {
				t.Error("state should carry the fetched page configuration")
			}
		})
	}
}
