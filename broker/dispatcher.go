package broker

import (
	"errors"

	"github.com/myqtt/myqtt/encoding"
)

var (
	ErrNoDomain        = errors.New("no domain admits this connection")
	ErrBadCredentials  = errors.New("username supplied but no domain authenticates it")
	ErrDomainInactive  = errors.New("matched domain is not active")
	ErrDuplicateDomain = errors.New("domain name already declared")
)

// Dispatcher maps a connecting client to exactly one domain by (username,
// client_id, server_name).
type Dispatcher struct {
	domains []*Domain
	byName  map[string]*Domain
}

// NewDispatcher creates a dispatcher over the declared domains; their
// declaration order is the resolution order.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{byName: make(map[string]*Domain)}
}

// AddDomain registers a domain.
func (dp *Dispatcher) AddDomain(d *Domain) error {
	if _, exists := dp.byName[d.Name]; exists {
		return ErrDuplicateDomain
	}
	dp.domains = append(dp.domains, d)
	dp.byName[d.Name] = d
	return nil
}

// Domain returns a declared domain by name.
func (dp *Dispatcher) Domain(name string) (*Domain, bool) {
	d, ok := dp.byName[name]
	return d, ok
}

// Domains returns the declaration-ordered domain list.
func (dp *Dispatcher) Domains() []*Domain {
	return dp.domains
}

// Resolve picks the domain for a connection, in stable order:
//
//  1. a domain whose virtual host matches the TLS server name,
//  2. a domain whose users db authenticates (username, password) —
//     honoring restrict-ids when set,
//  3. the anonymous/default domain,
//  4. otherwise refusal.
//
// The refusal CONNACK code depends on what the client presented:
// BadUsernameOrPassword when a username was supplied, IdentifierRejected
// otherwise. A virtual-host match differs: an inactive domain answers
// ServerUnavailable, and a failed restrict-ids check answers
// IdentifierRejected even when a username was supplied.
func (dp *Dispatcher) Resolve(username string, password []byte, clientID, serverName string) (*Domain, encoding.ConnackCode, error) {
	if serverName != "" {
		for _, d := range dp.domains {
			if !d.MatchesHost(serverName) {
				continue
			}
			if !d.Active() {
				return nil, encoding.ConnackServerUnavailable, ErrDomainInactive
			}
			if code, err := dp.admits(d, username, password, clientID); err != nil {
				return nil, code, err
			}
			return d, encoding.ConnackAccepted, nil
		}
	}

	if username != "" {
		for _, d := range dp.domains {
			if !d.Active() {
				continue
			}
			if !d.Users.Authenticate(username, password) {
				continue
			}
			if d.Settings.RestrictIDs && !d.Users.AllowsClientID(clientID) {
				continue
			}
			return d, encoding.ConnackAccepted, nil
		}
		return nil, encoding.ConnackBadUserOrPassword, ErrBadCredentials
	}

	for _, d := range dp.domains {
		if d.Active() && d.IsAnonymousDefault() && !d.Settings.RequireAuth {
			return d, encoding.ConnackAccepted, nil
		}
	}

	return nil, encoding.ConnackIdentifierRejected, ErrNoDomain
}

// admits applies a virtual-host-matched domain's auth policy.
func (dp *Dispatcher) admits(d *Domain, username string, password []byte, clientID string) (encoding.ConnackCode, error) {
	if d.Settings.RequireAuth || username != "" {
		if !d.Users.Authenticate(username, password) {
			return encoding.ConnackBadUserOrPassword, ErrBadCredentials
		}
		if d.Settings.RestrictIDs && !d.Users.AllowsClientID(clientID) {
			return encoding.ConnackIdentifierRejected, ErrNoDomain
		}
	}
	return encoding.ConnackAccepted, nil
}
