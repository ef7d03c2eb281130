package gost

import (
	"regexp"
	"strconv"
	"strings"
)

// Names of the entries gostgen owns inside a document.
const (
	AutherMullvad  = "auther-mullvad"
	AutherInternal = "auther-internal"
	AutherMetrics  = "auther-metrics"
	BypassMullvad  = "bypass-mullvad"
	LocalService   = "service-local"

	HandlerSocks5   = "socks5"
	ListenerTCP     = "tcp"
	ConnectorSocks5 = "socks5"
	DialerTCP       = "tcp"

	poolSuffix = "pool"
)

// SlotName is the per-group suffix of a generated entry: "pool" for the
// pool slot, otherwise the 1-based member number.
func SlotName(pool bool, number int) string {
	if pool {
		return poolSuffix
	}
	return strconv.Itoa(number)
}

// ServiceName returns e.g. "service-de-ber-pool" or "service-de-ber-3".
func ServiceName(groupKey, slot string) string {
	return "service-" + groupKey + "-" + slot
}

// ChainName returns e.g. "chain-de-ber-pool".
func ChainName(groupKey, slot string) string {
	return "chain-" + groupKey + "-" + slot
}

// HopName returns the single hop name of a chain.
func HopName(chain string) string {
	return "hop-" + chain
}

// PoolNodeName returns the name of the n-th (1-based) node of a pool hop.
func PoolNodeName(hop string, n int) string {
	return "node-" + hop + "-" + strconv.Itoa(n)
}

// SingleNodeName returns the name of the only node of a single hop.
func SingleNodeName(hop string) string {
	return "node-" + hop
}

// GroupMatcher recognises generated entry names of one city group.
type GroupMatcher struct {
	service *regexp.Regexp
	chain   *regexp.Regexp
}

// NewGroupMatcher builds a case-insensitive matcher for groupKey.
func NewGroupMatcher(groupKey string) GroupMatcher {
	q := regexp.QuoteMeta(groupKey)
	return GroupMatcher{
		service: regexp.MustCompile(`(?i)^service-` + q + `-(\d+|pool)$`),
		chain:   regexp.MustCompile(`(?i)^chain-` + q + `-(\d+|pool)$`),
	}
}

func (m GroupMatcher) Service(name string) bool { return m.service.MatchString(name) }

func (m GroupMatcher) Chain(name string) bool { return m.chain.MatchString(name) }

var (
	generatedService = regexp.MustCompile(`(?i)^service-([a-z0-9]+-[a-z0-9]+)-(\d+|pool)$`)
	generatedChain   = regexp.MustCompile(`(?i)^chain-([a-z0-9]+-[a-z0-9]+)-(\d+|pool)$`)
)

// GeneratedServiceGroup returns the lower-cased group key of a generated
// service name.
func GeneratedServiceGroup(name string) (string, bool) {
	m := generatedService.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return strings.ToLower(m[1]), true
}

// GeneratedChainGroup returns the lower-cased group key of a generated
// chain name.
func GeneratedChainGroup(name string) (string, bool) {
	m := generatedChain.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return strings.ToLower(m[1]), true
}
