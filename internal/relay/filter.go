package relay

import "strings"

// Selection is an include/exclude pair matched against a code or a name.
type Selection struct {
	Include []string `yaml:"Include,omitempty" json:"Include,omitempty"`
	Exclude []string `yaml:"Exclude,omitempty" json:"Exclude,omitempty"`
}

// FilterRules restrict which relays are turned into proxy services.
type FilterRules struct {
	OwnedOnly bool      `yaml:"OwnedOnly" json:"OwnedOnly"`
	Country   Selection `yaml:"Country,omitempty" json:"Country,omitempty"`
	City      Selection `yaml:"City,omitempty" json:"City,omitempty"`
}

// Filter returns the relays accepted by rules, preserving input order.
// Relays without a complete location are always dropped.
func Filter(relays []Relay, rules FilterRules) []Relay {
	out := make([]Relay, 0, len(relays))
	for _, r := range relays {
		if acceptRelay(r, rules) {
			out = append(out, r)
		}
	}
	return out
}

func acceptRelay(r Relay, rules FilterRules) bool {
	if !r.Located() {
		return false
	}
	if rules.OwnedOnly && !r.Owned {
		return false
	}
	if !rules.Country.accept(r.CountryCode, r.CountryName) {
		return false
	}
	return rules.City.accept(r.CityCode, r.CityName)
}

// accept applies include first, then exclude. An include list without
// usable entries does not restrict.
func (s Selection) accept(code, name string) bool {
	if hasEntries(s.Include) && !matchAny(s.Include, code, name) {
		return false
	}
	return !matchAny(s.Exclude, code, name)
}

func matchAny(list []string, code, name string) bool {
	for _, entry := range list {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.EqualFold(entry, code) || strings.EqualFold(entry, name) {
			return true
		}
	}
	return false
}

func hasEntries(list []string) bool {
	for _, entry := range list {
		if strings.TrimSpace(entry) != "" {
			return true
		}
	}
	return false
}
