package device

import "strings"

// SIG base UUID suffix shared by every 16-bit assigned number.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID lowercases uuid, strips braces, dashes and a 0x prefix, and
// shortens Bluetooth SIG base UUIDs to their 16-bit form.
//
//	"0x2A37"                               -> "2a37"
//	"00002a37-0000-1000-8000-00805f9b34fb" -> "2a37"
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.Trim(u, "{}")
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")

	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigBaseSuffix) {
		return u[4:8]
	}
	return u
}

// SameUUID compares two UUIDs in any accepted notation.
func SameUUID(a, b string) bool {
	return a != "" && NormalizeUUID(a) == NormalizeUUID(b)
}

// FindCapability returns the first capability matching uuid.
func FindCapability(caps []Capability, uuid string) (Capability, bool) {
	for _, c := range caps {
		if SameUUID(c.UUID, uuid) {
			return c, true
		}
	}
	return Capability{}, false
}
