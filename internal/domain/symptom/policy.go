package symptom

import (
	"github.com/symcheck/symcheck/internal/platform/auth"
	"github.com/symcheck/symcheck/internal/platform/hipaa"
)

// AccessPolicy decides whether actor may read or annotate entry. It is
// consulted exactly once per operation, before any PHI is decrypted.
type AccessPolicy func(actor hipaa.Actor, entry *EntryRecord) bool

// AllowAll grants every actor access to every entry. This is the open-read
// mode of the original service and the default.
func AllowAll(hipaa.Actor, *EntryRecord) bool { return true }

// OwnerOnly grants access to the entry's owner, to anyone for entries with
// no owner, and to administrators.
func OwnerOnly(actor hipaa.Actor, entry *EntryRecord) bool {
	if entry.UserID == nil {
		return true
	}
	if auth.HasRole(actor.Roles, auth.RoleAdmin) {
		return true
	}
	return actor.ID != "" && actor.ID == *entry.UserID
}
