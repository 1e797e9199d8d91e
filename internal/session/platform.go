package session

import "strings"

// Platform is the closed set of client runtimes the broker recognizes.
// Other carries the raw string for anything that doesn't match a known
// variant, rather than collapsing it to a generic "unknown".
type Platform struct {
	kind  platformKind
	other string
}

type platformKind int

const (
	platformBrowser platformKind = iota
	platformReactNative
	platformServer
	platformOther
)

var (
	Browser     = Platform{kind: platformBrowser}
	ReactNative = Platform{kind: platformReactNative}
	Server      = Platform{kind: platformServer}
)

// OtherPlatform wraps an arbitrary platform string.
func OtherPlatform(name string) Platform {
	return Platform{kind: platformOther, other: name}
}

// String returns the wire-form platform name.
func (p Platform) String() string {
	switch p.kind {
	case platformBrowser:
		return "browser"
	case platformReactNative:
		return "react-native"
	case platformServer:
		return "nodejs"
	default:
		return p.other
	}
}

// Capabilities returns the fixed capability table entry for p. The
// mapping is a pure function of the platform, per the welcome
// envelope's determinism requirement.
func (p Platform) Capabilities() []string {
	switch p.kind {
	case platformBrowser:
		return []string{"localStorage", "indexedDB", "sessionStorage"}
	case platformReactNative:
		return []string{"asyncStorage", "sqlite", "secureStorage"}
	case platformServer:
		return []string{"filesystem", "sqlite", "memory"}
	default:
		return []string{"memory"}
	}
}

// DetectPlatform maps an accept-time header hint and user-agent string
// to a Platform. The x-platform header, when present and non-empty,
// wins outright. Otherwise the user-agent is matched by substring:
// "React Native" before the browser markers, since React Native's
// default user agent also happens to mention "Mozilla".
func DetectPlatform(platformHeader, userAgent string) Platform {
	if h := strings.TrimSpace(platformHeader); h != "" {
		switch strings.ToLower(h) {
		case "browser":
			return Browser
		case "react-native":
			return ReactNative
		case "nodejs":
			return Server
		default:
			return OtherPlatform(h)
		}
	}

	switch {
	case strings.Contains(userAgent, "React Native"):
		return ReactNative
	case strings.Contains(userAgent, "Mozilla"), strings.Contains(userAgent, "Chrome"):
		return Browser
	default:
		return Server
	}
}
