package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/myqtt/myqtt/session"
	"github.com/myqtt/myqtt/storage"
	"github.com/myqtt/myqtt/topic"
	"github.com/myqtt/myqtt/types/message"
)

// DomainConfig declares one tenant partition at startup.
type DomainConfig struct {
	Name       string
	StorageDir string
	UsersDB    string
	// UseSettings names the settings bundle; empty selects global-settings.
	UseSettings string
	IsActive    bool
	// AnonymousDefault marks this domain as the fallback for unauthenticated
	// connections.
	AnonymousDefault bool
	// VirtualHosts lists the TLS SNI server names routed to this domain.
	VirtualHosts []string
	// SessionStore overrides the default in-memory session metadata store.
	SessionStore session.Store
}

// Domain is one tenant partition: isolated storage root, subscription
// tables, retained store, live-connections table and quotas. Domains are
// declared at startup and never destroyed while the broker runs.
type Domain struct {
	Name     string
	Settings *Settings

	Router   *topic.Router
	Retained *topic.RetainedStore
	Storage  *storage.Store
	Sessions *session.Manager
	Store    session.Store
	Users    *UsersDB

	virtualHosts     map[string]struct{}
	anonymousDefault bool
	active           bool

	// Storage directory layout and state recovery run once, on first use.
	initOnce sync.Once
	initErr  error

	quotaMu sync.Mutex
	quotas  map[string]*periodQuota
}

// periodQuota tracks one client's published message counts per calendar
// day and month.
type periodQuota struct {
	dayKey     string
	dayCount   int
	monthKey   string
	monthCount int
}

func newDomain(cfg DomainConfig, settings *Settings) (*Domain, error) {
	users, err := LoadUsersDB(cfg.UsersDB)
	if err != nil {
		return nil, fmt.Errorf("domain %s: %w", cfg.Name, err)
	}

	store := cfg.SessionStore
	if store == nil {
		store = session.NewMemoryStore()
	}

	d := &Domain{
		Name:             cfg.Name,
		Settings:         settings,
		Router:           topic.NewRouter(),
		Retained:         topic.NewRetainedStore(),
		Storage:          storage.New(cfg.StorageDir, 0),
		Sessions:         session.NewManager(session.ManagerConfig{DropOldOnConflict: settings.DropConnSameClientID}),
		Store:            store,
		Users:            users,
		virtualHosts:     make(map[string]struct{}),
		anonymousDefault: cfg.AnonymousDefault,
		active:           cfg.IsActive,
		quotas:           make(map[string]*periodQuota),
	}

	for _, host := range cfg.VirtualHosts {
		d.virtualHosts[host] = struct{}{}
	}

	d.Router.DisableWildcards(settings.DisableWildcardSupport)

	return d, nil
}

// Init lazily scans the storage root, rebuilding offline subscriptions and
// the retained-message set. Guarded by a one-shot flag; every caller after
// the first sees the first call's result.
func (d *Domain) Init() error {
	d.initOnce.Do(func() {
		result, err := d.Storage.Load()
		if err != nil {
			d.initErr = err
			return
		}

		for clientID, subs := range result.Subscriptions {
			for _, sub := range subs {
				if err := d.Router.Subscribe(clientID, sub.Filter, sub.QoS, false); err != nil {
					continue
				}
			}
		}

		for _, rec := range result.Retained {
			msg := message.New(0, rec.Topic, rec.Payload, rec.QoS, true)
			d.Retained.Set(msg)
		}
	})
	return d.initErr
}

// MatchesHost reports whether an SNI server name routes to this domain.
func (d *Domain) MatchesHost(serverName string) bool {
	_, ok := d.virtualHosts[serverName]
	return ok
}

// IsAnonymousDefault reports whether this domain accepts unauthenticated
// connections as the fallback.
func (d *Domain) IsAnonymousDefault() bool {
	return d.anonymousDefault
}

// Active reports whether the domain admits connections.
func (d *Domain) Active() bool {
	return d.active
}

// ConnLimitReached checks the per-domain connection limit.
func (d *Domain) ConnLimitReached() bool {
	if Unlimited(d.Settings.ConnLimit) {
		return false
	}
	return d.Sessions.Count() >= d.Settings.ConnLimit
}

// ChargeMessageQuota counts one published message against the client's day
// and month quotas. Returns false once a quota is exhausted.
func (d *Domain) ChargeMessageQuota(clientID string, now time.Time) bool {
	dayLimit := d.Settings.DayMessageQuota
	monthLimit := d.Settings.MonthMessageQuota
	if Unlimited(dayLimit) && Unlimited(monthLimit) {
		return true
	}

	dayKey := now.Format("2006-01-02")
	monthKey := now.Format("2006-01")

	d.quotaMu.Lock()
	defer d.quotaMu.Unlock()

	q := d.quotas[clientID]
	if q == nil {
		q = &periodQuota{}
		d.quotas[clientID] = q
	}
	if q.dayKey != dayKey {
		q.dayKey, q.dayCount = dayKey, 0
	}
	if q.monthKey != monthKey {
		q.monthKey, q.monthCount = monthKey, 0
	}

	if !Unlimited(dayLimit) && q.dayCount >= dayLimit {
		return false
	}
	if !Unlimited(monthLimit) && q.monthCount >= monthLimit {
		return false
	}

	q.dayCount++
	q.monthCount++
	return true
}

// StorageAdmits checks the per-client stored message count and quota
// limits before a message is persisted.
func (d *Domain) StorageAdmits(clientID string, payloadSize int) bool {
	if !Unlimited(d.Settings.StorageMessagesLimit) {
		if d.Storage.MessageCount(clientID) >= d.Settings.StorageMessagesLimit {
			return false
		}
	}
	if !Unlimited(d.Settings.StorageQuotaLimit) {
		limit := int64(d.Settings.StorageQuotaLimit) * 1024
		if d.Storage.Quota(clientID)+int64(payloadSize) > limit {
			return false
		}
	}
	return true
}
