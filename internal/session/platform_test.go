package session

import "testing"

func TestDetectPlatformHeaderWins(t *testing.T) {
	p := DetectPlatform("react-native", "Mozilla/5.0 (X11; Linux x86_64)")
	if p != ReactNative {
		t.Fatalf("expected ReactNative, got %v", p)
	}
}

func TestDetectPlatformUserAgentFallback(t *testing.T) {
	cases := []struct {
		ua   string
		want Platform
	}{
		{"React Native/0.72", ReactNative},
		{"Mozilla/5.0 (Macintosh) Chrome/120.0", Browser},
		{"node-fetch/1.0", Server},
		{"", Server},
	}
	for _, c := range cases {
		if got := DetectPlatform("", c.ua); got != c.want {
			t.Errorf("DetectPlatform(%q) = %v, want %v", c.ua, got, c.want)
		}
	}
}

func TestDetectPlatformUnknownHeaderBecomesOther(t *testing.T) {
	p := DetectPlatform("raspberry-pi", "")
	if p.String() != "raspberry-pi" {
		t.Fatalf("expected raw header string, got %s", p.String())
	}
	if len(p.Capabilities()) != 1 || p.Capabilities()[0] != "memory" {
		t.Fatalf("expected other-platform capabilities [memory], got %v", p.Capabilities())
	}
}

func TestCapabilitiesTableIsExact(t *testing.T) {
	cases := []struct {
		p    Platform
		want []string
	}{
		{Browser, []string{"localStorage", "indexedDB", "sessionStorage"}},
		{ReactNative, []string{"asyncStorage", "sqlite", "secureStorage"}},
		{Server, []string{"filesystem", "sqlite", "memory"}},
	}
	for _, c := range cases {
		got := c.p.Capabilities()
		if len(got) != len(c.want) {
			t.Fatalf("%v: got %v, want %v", c.p, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("%v: got %v, want %v", c.p, got, c.want)
			}
		}
	}
}
