package store

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/google/uuid"
)

// boxNamespace is the fixed UUIDv5 namespace for deriving box IDs.
var boxNamespace = uuid.MustParse("ec35c0da-e6e2-4a50-9c85-3e102fffac48")

// BoxID returns the stable per-device identity, reading it from the file at
// path or generating and persisting it on first use. Once written, the ID is
// immutable for the lifetime of the installation.
func BoxID(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read box id: %w", err)
	}

	id := strings.ReplaceAll(uuid.NewSHA1(boxNamespace, []byte(nodeID())).String(), "-", "")
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("write box id: %w", err)
	}
	return id, nil
}

// nodeID derives a per-machine seed from the first hardware address found,
// falling back to the hostname.
func nodeID() string {
	if ifaces, err := net.Interfaces(); err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
				continue
			}
			return iface.HardwareAddr.String()
		}
	}
	host, err := os.Hostname()
	if err != nil {
		return "astrobox"
	}
	return host
}
