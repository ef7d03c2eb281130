package access

import (
	"github.com/Resinat/gostgen/internal/gost"
	"github.com/Resinat/gostgen/internal/policy"
	"github.com/rs/zerolog"
)

// Defaults of the non-relay endpoints.
const (
	DefaultLocalPort   = 1080
	DefaultMetricsPort = 9100
	MetricsPath        = "/metrics"
	LogFormat          = "text"
	LogOutput          = "stdout"
)

// SyncMetrics sets the gost metrics endpoint when the policy enables it and
// removes it otherwise.
func SyncMetrics(x *gost.Index, pol *policy.Document, addr string, log zerolog.Logger) bool {
	doc := x.Document()
	if !pol.GostMetricsEnabled {
		if doc.Metrics == nil {
			return false
		}
		log.Debug().Msg("disabling metrics endpoint")
		doc.Metrics = nil
		return true
	}

	changed := false
	if doc.Metrics == nil {
		doc.Metrics = &gost.MetricsConfig{}
		changed = true
	}
	m := doc.Metrics
	changed = setField(&m.Addr, addr) || changed
	changed = setField(&m.Path, MetricsPath) || changed
	changed = setField(&m.Auther, gost.AutherMetrics) || changed
	if changed {
		log.Debug().Str("addr", addr).Msg("updating metrics endpoint")
	}
	return changed
}

// SyncLogging writes the gost log section from the policy's gost log level.
func SyncLogging(x *gost.Index, pol *policy.Document, log zerolog.Logger) bool {
	doc := x.Document()
	changed := false
	if doc.Log == nil {
		doc.Log = &gost.LogConfig{}
		changed = true
	}
	l := doc.Log
	changed = setField(&l.Level, pol.GostLogLevel) || changed
	changed = setField(&l.Format, LogFormat) || changed
	changed = setField(&l.Output, LogOutput) || changed
	if changed {
		log.Debug().Str("level", l.Level).Msg("updating gost log section")
	}
	return changed
}

// SyncLocalProxy maintains the direct SOCKS5 service for internal users.
// It has no chain and authenticates against the internal auther group.
func SyncLocalProxy(x *gost.Index, addr, iface string, log zerolog.Logger) bool {
	changed := false
	s := x.ServiceByName(gost.LocalService)
	if s != nil && s.Addr != addr {
		log.Debug().Str("from", s.Addr).Str("to", addr).Msg("moving local proxy")
		x.RemoveServices(func(other *gost.Service) bool { return other == s })
		s = nil
		changed = true
	}
	if s == nil {
		if other := x.ServiceByAddr(addr); other != nil {
			log.Warn().Str("service", other.Name).Str("addr", addr).Msg("replacing service occupying the local proxy address")
		}
		s = &gost.Service{Name: gost.LocalService, Addr: addr}
		x.AddService(s)
		changed = true
	}

	if s.Listener == nil {
		s.Listener = &gost.Listener{}
		changed = true
	}
	if s.Handler == nil {
		s.Handler = &gost.Handler{}
		changed = true
	}
	updated := setField(&s.Interface, iface)
	updated = setField(&s.Listener.Type, gost.ListenerTCP) || updated
	updated = setField(&s.Handler.Type, gost.HandlerSocks5) || updated
	updated = setField(&s.Handler.Auther, gost.AutherInternal) || updated
	updated = setField(&s.Handler.Chain, "") || updated
	if updated {
		log.Debug().Msg("updating local proxy")
	}
	return changed || updated
}

func setField(field *string, want string) bool {
	if *field == want {
		return false
	}
	*field = want
	return true
}
