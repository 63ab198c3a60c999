package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"
)

// Fingerprint derives a stable hash of machine-level identifiers: hostname,
// OS/arch, and sorted hardware MAC addresses. Held in memory only by the
// caller (internal/transport's client dialer) and never surfaced to tools or
// the LLM.
func Fingerprint() string {
	parts := []string{runtime.GOOS, runtime.GOARCH}

	if host, err := os.Hostname(); err == nil {
		parts = append(parts, host)
	}

	if ifaces, err := net.Interfaces(); err == nil {
		var macs []string
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			if mac := iface.HardwareAddr.String(); mac != "" {
				macs = append(macs, mac)
			}
		}
		sort.Strings(macs)
		parts = append(parts, macs...)
	}

	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}
