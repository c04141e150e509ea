package types

import "strings"

// Default EMP addresses used by the simulation.
const (
	DefaultBOSAddr    = "sim.b"
	DefaultLocoPrefix = "sim.l."
)

// Role is the kind of endpoint an address names.
type Role string

const (
	RoleLoco    Role = "loco"
	RoleBOS     Role = "bos"
	RoleUnknown Role = "unknown"
)

// LocoAddr builds a locomotive address such as "sim.l.7357".
func LocoAddr(prefix, id string) string {
	if prefix == "" {
		prefix = DefaultLocoPrefix
	}
	return prefix + id
}

// LocoID extracts the locomotive id from an address built by LocoAddr.
func LocoID(prefix, addr string) (string, bool) {
	if prefix == "" {
		prefix = DefaultLocoPrefix
	}
	id, ok := strings.CutPrefix(addr, prefix)
	return id, ok && id != ""
}

// RoleOf classifies an address of the default simulation namespace.
func RoleOf(addr string) Role {
	switch {
	case addr == DefaultBOSAddr:
		return RoleBOS
	case strings.HasPrefix(addr, DefaultLocoPrefix) && len(addr) > len(DefaultLocoPrefix):
		return RoleLoco
	default:
		return RoleUnknown
	}
}
