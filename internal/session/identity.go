package session

import (
	"net/http"
	"strings"
)

// Identity is the caller identity as asserted by the trusted upstream proxy.
// The daemon performs no credential verification of its own; absent headers
// collapse to an anonymous identity.
type Identity struct {
	Username    string
	DisplayName string
	Groups      []string
	Email       string
}

func identityFromHeaders(h http.Header) Identity {
	username := strings.TrimSpace(h.Get("X-Forwarded-Preferred-Username"))
	display := strings.TrimSpace(h.Get("X-Forwarded-User"))
	if username == "" {
		username = display
	}
	if username == "" {
		username = "anonymous"
	}
	if display == "" {
		display = username
	}
	var groups []string
	for _, g := range strings.Split(h.Get("X-Forwarded-Groups"), ",") {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	return Identity{
		Username:    username,
		DisplayName: display,
		Groups:      groups,
		Email:       strings.TrimSpace(h.Get("X-Forwarded-Email")),
	}
}
