package access

import (
	"net/netip"
	"slices"
	"strings"

	"github.com/Resinat/gostgen/internal/gost"
	"github.com/Resinat/gostgen/internal/policy"
	"github.com/rs/zerolog"
	"golang.org/x/net/idna"
)

// SyncBypasses makes the relay bypass group contain exactly the policy
// patterns. Comparison is case-insensitive; existing order is kept and new
// patterns are appended.
func SyncBypasses(x *gost.Index, pol *policy.Document, log zerolog.Logger) bool {
	changed := false
	b, created := x.EnsureBypass(gost.BypassMullvad)
	if created {
		log.Debug().Str("bypass", gost.BypassMullvad).Msg("adding bypass group")
		changed = true
	}

	want := NormalizeBypasses(pol.Bypasses)
	wanted := make(map[string]struct{}, len(want))
	for _, m := range want {
		wanted[strings.ToLower(m)] = struct{}{}
	}

	present := make(map[string]struct{}, len(b.Matchers))
	b.Matchers = slices.DeleteFunc(b.Matchers, func(m string) bool {
		key := strings.ToLower(m)
		_, ok := wanted[key]
		_, dup := present[key]
		if !ok || dup {
			log.Debug().Str("matcher", m).Msg("removing bypass")
			changed = true
			return true
		}
		present[key] = struct{}{}
		return false
	})

	for _, m := range want {
		if _, ok := present[strings.ToLower(m)]; ok {
			continue
		}
		log.Debug().Str("matcher", m).Msg("adding bypass")
		b.Matchers = append(b.Matchers, m)
		present[strings.ToLower(m)] = struct{}{}
		changed = true
	}
	return changed
}

// NormalizeBypasses trims patterns, converts internationalized domain names
// to their ASCII form and drops blanks and case-insensitive duplicates.
func NormalizeBypasses(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	seen := make(map[string]struct{}, len(patterns))
	for _, p := range patterns {
		p = normalizePattern(p)
		if p == "" {
			continue
		}
		key := strings.ToLower(p)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

// normalizePattern keeps IPs and CIDRs as-is and punycodes domain patterns,
// preserving a leading "*." or "." wildcard.
func normalizePattern(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if _, err := netip.ParsePrefix(p); err == nil {
		return p
	}
	if _, err := netip.ParseAddr(p); err == nil {
		return p
	}

	prefix := ""
	host := p
	switch {
	case strings.HasPrefix(p, "*."):
		prefix, host = "*.", p[2:]
	case strings.HasPrefix(p, "."):
		prefix, host = ".", p[1:]
	}
	ascii, err := idna.ToASCII(host)
	if err != nil || ascii == "" {
		return p
	}
	return prefix + ascii
}
