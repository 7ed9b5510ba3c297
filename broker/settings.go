package broker

// Settings is one named bundle of per-domain limits. The bundle named
// "global-settings" provides defaults; named bundles override it per
// domain. A value of -1 means unlimited.
type Settings struct {
	Name string

	// RequireAuth refuses connections that do not authenticate against the
	// domain's users db.
	RequireAuth bool
	// RestrictIDs only admits client ids listed in the users db.
	RestrictIDs bool
	// DropConnSameClientID kills the previous connection on a client-id
	// conflict instead of probing it.
	DropConnSameClientID bool
	// DisableWildcardSupport refuses SUBSCRIBE filters containing + or #
	// with SUBACK 0x80.
	DisableWildcardSupport bool

	// ConnLimit caps simultaneous connections in the domain.
	ConnLimit int
	// MessageSizeLimit caps a single inbound PUBLISH in bytes, enforced on
	// the fixed header before the payload is read.
	MessageSizeLimit int
	// StorageMessagesLimit caps stored messages per client.
	StorageMessagesLimit int
	// StorageQuotaLimit caps stored payload bytes per client, in KB.
	StorageQuotaLimit int
	// MonthMessageQuota and DayMessageQuota cap messages published per
	// client per calendar period.
	MonthMessageQuota int
	DayMessageQuota   int
}

// GlobalSettingsName is the bundle acting as the default for every domain
// without an explicit use-settings reference.
const GlobalSettingsName = "global-settings"

// DefaultSettings returns an unlimited permissive bundle.
func DefaultSettings() *Settings {
	return &Settings{
		Name:                 GlobalSettingsName,
		ConnLimit:            -1,
		MessageSizeLimit:     -1,
		StorageMessagesLimit: -1,
		StorageQuotaLimit:    -1,
		MonthMessageQuota:    -1,
		DayMessageQuota:      -1,
	}
}

// Unlimited reports whether a limit value disables the check.
func Unlimited(v int) bool { return v < 0 }
