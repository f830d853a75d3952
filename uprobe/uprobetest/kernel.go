// Package uprobetest provides an in-memory stand-in for the kernel's
// uprobe_events file.
package uprobetest

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"syscall"
)

// Kernel mimics uprobe_events: definitions are accepted only for files that
// exist, names are unique, and deleting an unknown name fails.
type Kernel struct {
	mu     sync.Mutex
	probes map[string]string

	// Deny rejects definitions for these paths as a security module would.
	Deny map[string]bool
	// Hide accepts definitions but never lists them.
	Hide bool
	// FailDelete makes every deletion fail.
	FailDelete bool

	Writes []string
}

// NewKernel returns an empty Kernel.
func NewKernel() *Kernel {
	return &Kernel{
		probes: make(map[string]string),
		Deny:   make(map[string]bool),
	}
}

// Define pre-registers a probe, as another tool (or a crashed run) would.
func (k *Kernel) Define(name, target string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.probes[name] = target
}

func (k *Kernel) Append(line string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.Writes = append(k.Writes, line)

	if name, ok := strings.CutPrefix(line, "-:"); ok {
		if k.FailDelete {
			return syscall.EBUSY
		}

		if _, ok := k.probes[name]; !ok {
			return syscall.ENOENT
		}

		delete(k.probes, name)

		return nil
	}

	fields := strings.Fields(line)
	if len(fields) != 2 || !strings.HasPrefix(fields[0], "p:") {
		return syscall.EINVAL
	}

	name := strings.TrimPrefix(fields[0], "p:")

	colon := strings.LastIndex(fields[1], ":")
	if colon < 0 || !strings.HasPrefix(fields[1][colon+1:], "0x") {
		return syscall.EINVAL
	}

	path := fields[1][:colon]

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return syscall.ENOENT
		}

		return syscall.EINVAL
	}

	if k.Deny[path] {
		return syscall.EPERM
	}

	if _, ok := k.probes[name]; ok {
		return syscall.EEXIST
	}

	if !k.Hide {
		k.probes[name] = fields[1]
	}

	return nil
}

func (k *Kernel) Read() (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	names := make([]string, 0, len(k.probes))
	for n := range k.probes {
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, n := range names {
		fmt.Fprintf(&b, "p:uprobes/%s %s\n", n, k.probes[n])
	}

	return b.String(), nil
}
