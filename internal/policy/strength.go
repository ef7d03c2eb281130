package policy

import (
	"fmt"

	zxcvbn "github.com/ccojocar/zxcvbn-go"
)

const weakPasswordScoreThreshold = 3

// IsWeakPassword returns whether password strength is considered weak.
// The username is passed as user input so it lowers the score when reused.
func IsWeakPassword(username, password string) bool {
	if password == "" {
		return false
	}
	result := zxcvbn.PasswordStrength(password, []string{username})
	return result.Score < weakPasswordScoreThreshold
}

// Warnings lists non-fatal issues worth logging, such as weak passwords.
func (d *Document) Warnings() []string {
	var warnings []string
	for _, name := range d.Usernames() {
		if IsWeakPassword(name, d.Users[name].Password) {
			warnings = append(warnings, fmt.Sprintf("user %q has a weak password", name))
		}
	}
	if d.GostMetricsEnabled && !d.anyUser(RoleMetrics) {
		warnings = append(warnings, "metrics are enabled but no user has metrics access")
	}
	return warnings
}

func (d *Document) anyUser(role Role) bool {
	for _, u := range d.Users {
		if u.Has(role) {
			return true
		}
	}
	return false
}
