// Package backend contains the clients the gateway uses to reach the real
// mailbox servers: a POP3 client for fetching, an SMTP submission client for
// outgoing mail, and the helpers mapping client-facing usernames and
// hostnames to backend identities.
package backend

import (
	"fmt"
	"strings"
)

// Identity is the result of resolving a client-facing login name.
type Identity struct {
	// ClientName is the name the client presented, kept for logging.
	ClientName string
	// BackendUser is the login used against the backend mailbox.
	BackendUser string
}

// ParseUsername resolves a client-facing POP3 username to a backend mailbox
// identity. Clients may address a different backend mailbox with the
// "client#backenduser" convention; bare backend users without a domain get
// the configured default domain appended.
func ParseUsername(raw, defaultDomain string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, fmt.Errorf("empty username")
	}

	id := Identity{ClientName: raw, BackendUser: raw}
	if idx := strings.IndexByte(raw, '#'); idx >= 0 {
		client := raw[:idx]
		backend := raw[idx+1:]
		if client == "" || backend == "" {
			return Identity{}, fmt.Errorf("malformed username %q", raw)
		}
		id.ClientName = client
		id.BackendUser = backend
	}

	if defaultDomain != "" && !strings.ContainsRune(id.BackendUser, '@') {
		id.BackendUser = id.BackendUser + "@" + defaultDomain
	}
	return id, nil
}
