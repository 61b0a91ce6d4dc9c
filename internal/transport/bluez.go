package transport

import (
	"fmt"
	"strings"
)

// DefaultAdapter is the BlueZ adapter used when none is configured.
const DefaultAdapter = "hci0"

// NormalizeMAC validates a Bluetooth address and returns it upper-case
// with colon separators.  Dashes and underscores are accepted.
func NormalizeMAC(s string) (string, error) {
	r := strings.NewReplacer("-", ":", "_", ":")
	mac := strings.ToUpper(r.Replace(strings.TrimSpace(s)))
	parts := strings.Split(mac, ":")
	if len(parts) != 6 {
		return "", fmt.Errorf("invalid Bluetooth address %q", s)
	}
	for _, p := range parts {
		if len(p) != 2 || !isHex(p[0]) || !isHex(p[1]) {
			return "", fmt.Errorf("invalid Bluetooth address %q", s)
		}
	}
	return mac, nil
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F')
}

// DevicePath returns the BlueZ object path of mac on adapter.
func DevicePath(adapter, mac string) string {
	if adapter == "" {
		adapter = DefaultAdapter
	}
	return "/org/bluez/" + adapter + "/dev_" + strings.ReplaceAll(mac, ":", "_")
}

// MACFromPath extracts the address from a BlueZ device object path.
func MACFromPath(p string) string {
	i := strings.LastIndex(p, "/dev_")
	if i < 0 {
		return ""
	}
	return strings.ReplaceAll(p[i+len("/dev_"):], "_", ":")
}
