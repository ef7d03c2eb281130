package netutil

import (
	"bufio"
	"io"
	"net"
	"os"
	"strings"
)

// FallbackInterface is used when no usable interface can be detected.
const FallbackInterface = "eth0"

const procNetRoute = "/proc/net/route"

// DefaultInterface returns the interface carrying the default route, else
// the first up non-loopback interface, else FallbackInterface.
func DefaultInterface() string {
	if f, err := os.Open(procNetRoute); err == nil {
		name := defaultRouteInterface(f)
		f.Close()
		if name != "" {
			return name
		}
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return FallbackInterface
	}
	if name := firstUsable(ifaces); name != "" {
		return name
	}
	return FallbackInterface
}

// defaultRouteInterface parses the kernel route table and returns the
// interface of the first 0.0.0.0/0 route.
func defaultRouteInterface(r io.Reader) string {
	sc := bufio.NewScanner(r)
	first := true
	for sc.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 8 {
			continue
		}
		if fields[1] == "00000000" && fields[7] == "00000000" {
			return fields[0]
		}
	}
	return ""
}

func firstUsable(ifaces []net.Interface) string {
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		return ifc.Name
	}
	return ""
}
