package proc

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// NamespaceKind names a Linux namespace type as it appears under /proc/PID/ns.
type NamespaceKind string

const (
	MountNS  NamespaceKind = "mnt"
	PIDNS    NamespaceKind = "pid"
	NetNS    NamespaceKind = "net"
	UserNS   NamespaceKind = "user"
	UTSNS    NamespaceKind = "uts"
	IPCNS    NamespaceKind = "ipc"
	CgroupNS NamespaceKind = "cgroup"
)

// NamespaceKinds lists every kind read by Load.
var NamespaceKinds = []NamespaceKind{MountNS, PIDNS, NetNS, UserNS, UTSNS, IPCNS, CgroupNS}

// NamespaceID is an opaque namespace identifier such as "mnt:[4026531841]".
// It's only meaningful for equality.
type NamespaceID string

// NamespaceRelation is the outcome of comparing two namespace identifiers.
type NamespaceRelation int

const (
	// Unknown means at least one side's identifier couldn't be read.
	Unknown NamespaceRelation = iota
	Same
	Different
)

func (r NamespaceRelation) String() string {
	switch r {
	case Same:
		return "same"
	case Different:
		return "different"
	default:
		return "unknown"
	}
}

// MarshalText renders the relation by name in reports.
func (r NamespaceRelation) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// CompareNamespaceIDs compares two identifiers. Absence on either side yields
// Unknown, never Same or Different.
func CompareNamespaceIDs(a, b NamespaceID) NamespaceRelation {
	if a == "" || b == "" {
		return Unknown
	}

	if a == b {
		return Same
	}

	return Different
}

// SameNamespace compares the tracer's and the target's identifier for kind.
func (c *Context) SameNamespace(kind NamespaceKind) NamespaceRelation {
	return CompareNamespaceIDs(c.TracerNamespaces[kind], c.Namespaces[kind])
}

// CompareAll compares every namespace kind.
func (c *Context) CompareAll() map[NamespaceKind]NamespaceRelation {
	out := make(map[NamespaceKind]NamespaceRelation, len(NamespaceKinds))
	for _, k := range NamespaceKinds {
		out[k] = c.SameNamespace(k)
	}

	return out
}

func readNamespaces(logger *zap.SugaredLogger, dir string) map[NamespaceKind]NamespaceID {
	ids := make(map[NamespaceKind]NamespaceID, len(NamespaceKinds))

	for _, k := range NamespaceKinds {
		link, err := os.Readlink(filepath.Join(dir, string(k)))
		if err != nil || link == "" {
			logger.Debugw("couldn't read namespace link", "dir", dir, "kind", k, "err", err)
			continue
		}

		ids[k] = NamespaceID(link)
	}

	return ids
}
