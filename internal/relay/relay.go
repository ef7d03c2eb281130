// Package relay provides the immutable relay catalogue: decoding of the
// Mullvad relay list, filtering, grouping by city and identity hashing.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrNoRelays is returned by sources that produced an empty relay list.
var ErrNoRelays = errors.New("relay: no relays")

// Relay is one relay endpoint as published by the Mullvad API.
// Values are treated as immutable once decoded.
type Relay struct {
	Hostname    string `json:"hostname"`
	CountryCode string `json:"country_code"`
	CountryName string `json:"country_name"`
	CityCode    string `json:"city_code"`
	CityName    string `json:"city_name"`
	Active      bool   `json:"active"`
	Owned       bool   `json:"owned"`
	Provider    string `json:"provider"`
	IPv4AddrIn  string `json:"ipv4_addr_in,omitempty"`
	IPv6AddrIn  string `json:"ipv6_addr_in,omitempty"`
	SocksName   string `json:"socks_name,omitempty"`
	SocksPort   int    `json:"socks_port,omitempty"`
	Type        string `json:"type,omitempty"`
}

// SocksAddr returns the upstream SOCKS address in host:port form.
func (r Relay) SocksAddr() string {
	return net.JoinHostPort(r.SocksName, strconv.Itoa(r.SocksPort))
}

// HasSocks reports whether the relay exposes a SOCKS endpoint.
func (r Relay) HasSocks() bool {
	return r.SocksName != ""
}

// Located reports whether all location fields are present and not blank.
func (r Relay) Located() bool {
	for _, f := range []string{r.CountryCode, r.CountryName, r.CityCode, r.CityName} {
		if strings.TrimSpace(f) == "" {
			return false
		}
	}
	return true
}

// Decode parses a relay list in the Mullvad JSON array format.
func Decode(data []byte) ([]Relay, error) {
	var relays []Relay
	if err := json.Unmarshal(data, &relays); err != nil {
		return nil, fmt.Errorf("relay: decode list: %w", err)
	}
	return relays, nil
}
