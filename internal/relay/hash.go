package relay

import (
	"encoding/binary"
	"encoding/hex"
	"slices"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// Fingerprint is a 128-bit digest of a relay set's identities. Two lists
// with the same relays in any order produce the same Fingerprint.
type Fingerprint [16]byte

// Hex returns the lowercase hex encoding of the fingerprint.
func (f Fingerprint) Hex() string {
	return hex.EncodeToString(f[:])
}

// String implements fmt.Stringer.
func (f Fingerprint) String() string {
	return f.Hex()
}

// FingerprintOf hashes the identity tuple of every relay.
// Identity is country code, city code, socks host and socks port.
func FingerprintOf(relays []Relay) Fingerprint {
	keys := make([]string, 0, len(relays))
	for _, r := range relays {
		keys = append(keys, identity(r))
	}
	slices.Sort(keys)

	h128 := xxh3.HashString128(strings.Join(keys, "\n"))
	var f Fingerprint
	binary.LittleEndian.PutUint64(f[:8], h128.Lo)
	binary.LittleEndian.PutUint64(f[8:], h128.Hi)
	return f
}

func identity(r Relay) string {
	return r.CountryCode + "|" + r.CityCode + "|" + r.SocksName + "|" + strconv.Itoa(r.SocksPort)
}
