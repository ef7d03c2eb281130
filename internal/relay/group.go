package relay

import (
	"cmp"
	"slices"
)

// Group is the set of SOCKS-capable relays of one city.
type Group struct {
	CountryCode string
	CountryName string
	CityCode    string
	CityName    string
	Relays      []Relay
}

// Key identifies the group in generated entry names, e.g. "de-ber".
func (g Group) Key() string {
	return g.CountryCode + "-" + g.CityCode
}

// GroupByCity groups relays by country and city. Groups are ordered by
// country name then city name; relays inside a group by hostname. Relays
// without a SOCKS endpoint are skipped and cities left empty are omitted.
func GroupByCity(relays []Relay) []Group {
	index := make(map[string]int)
	var groups []Group
	for _, r := range relays {
		if !r.HasSocks() || !r.Located() {
			continue
		}
		key := r.CountryCode + "\x00" + r.CityCode
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{
				CountryCode: r.CountryCode,
				CountryName: r.CountryName,
				CityCode:    r.CityCode,
				CityName:    r.CityName,
			})
		}
		groups[i].Relays = append(groups[i].Relays, r)
	}

	slices.SortStableFunc(groups, func(a, b Group) int {
		if c := cmp.Compare(a.CountryName, b.CountryName); c != 0 {
			return c
		}
		return cmp.Compare(a.CityName, b.CityName)
	})
	for i := range groups {
		slices.SortStableFunc(groups[i].Relays, func(a, b Relay) int {
			return cmp.Compare(a.Hostname, b.Hostname)
		})
	}
	return groups
}
