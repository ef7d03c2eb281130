// Package access reconciles the policy-driven parts of the gost document:
// auther groups, the bypass list, the metrics endpoint, the log section and
// the local proxy service.
package access

import (
	"slices"

	"github.com/Resinat/gostgen/internal/gost"
	"github.com/Resinat/gostgen/internal/policy"
	"github.com/rs/zerolog"
)

// autherRoles maps each managed auther group to the role it grants.
var autherRoles = []struct {
	auther string
	role   policy.Role
}{
	{gost.AutherMullvad, policy.RoleMullvadProxy},
	{gost.AutherInternal, policy.RoleInternalProxy},
	{gost.AutherMetrics, policy.RoleMetrics},
}

// SyncUsers makes every managed auther group list exactly the users that
// hold its role, with their current passwords.
func SyncUsers(x *gost.Index, pol *policy.Document, log zerolog.Logger) bool {
	changed := false
	for _, ar := range autherRoles {
		a, created := x.EnsureAuther(ar.auther)
		if created {
			log.Debug().Str("auther", ar.auther).Msg("adding auther group")
			changed = true
		}
		if syncAuther(a, pol, ar.role, log) {
			changed = true
		}
	}
	return changed
}

func syncAuther(a *gost.Auther, pol *policy.Document, role policy.Role, log zerolog.Logger) bool {
	changed := false
	seen := make(map[string]struct{}, len(a.Auths))

	a.Auths = slices.DeleteFunc(a.Auths, func(u *gost.AuthUser) bool {
		user, ok := pol.Users[u.Username]
		_, dup := seen[u.Username]
		if !ok || !user.Has(role) || dup {
			log.Debug().Str("auther", a.Name).Str("user", u.Username).Msg("removing user")
			changed = true
			return true
		}
		seen[u.Username] = struct{}{}
		return false
	})

	for _, name := range pol.Usernames() {
		user := pol.Users[name]
		if !user.Has(role) {
			continue
		}
		idx := slices.IndexFunc(a.Auths, func(u *gost.AuthUser) bool { return u.Username == name })
		if idx < 0 {
			log.Debug().Str("auther", a.Name).Str("user", name).Msg("adding user")
			a.Auths = append(a.Auths, &gost.AuthUser{Username: name, Password: user.Password})
			changed = true
			continue
		}
		existing := a.Auths[idx]
		if existing.Password != user.Password || existing.File != "" {
			log.Debug().Str("auther", a.Name).Str("user", name).Msg("updating user")
			existing.Password = user.Password
			existing.File = ""
			changed = true
		}
	}
	return changed
}
