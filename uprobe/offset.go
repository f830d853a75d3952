package uprobe

import (
	"debug/elf"
	"errors"
	"fmt"
)

var ErrEntryNotMapped = errors.New("entry point not covered by a loadable segment")

// OffsetMode selects where the synthetic probe is placed.
type OffsetMode string

const (
	// HeaderOffset places the probe at file offset 0, inside the ELF header,
	// which is never mapped executable.
	HeaderOffset OffsetMode = "header"
	// EntryOffset places the probe at the file offset of the ELF entry point.
	EntryOffset OffsetMode = "entry"
	// FixedOffset places the probe at a configured offset.
	FixedOffset OffsetMode = "fixed"
)

// OffsetPolicy decides the synthetic offset used for attach tests.
type OffsetPolicy struct {
	Mode  OffsetMode
	Fixed uint64
}

// DefaultOffsetPolicy is the header policy.
func DefaultOffsetPolicy() OffsetPolicy {
	return OffsetPolicy{Mode: HeaderOffset}
}

// For returns the synthetic offset to use for the binary at path.
func (p OffsetPolicy) For(path string) (uint64, error) {
	switch p.Mode {
	case HeaderOffset, "":
		return 0, nil
	case FixedOffset:
		return p.Fixed, nil
	case EntryOffset:
		return EntryFileOffset(path)
	default:
		return 0, fmt.Errorf("unknown offset policy %q (expected header, entry or fixed)", p.Mode)
	}
}

// EntryFileOffset converts the ELF entry address of path into a file offset.
func EntryFileOffset(path string) (uint64, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open ELF file %s: %w", path, err)
	}
	defer f.Close()

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		if f.Entry >= prog.Vaddr && f.Entry < prog.Vaddr+prog.Filesz {
			return f.Entry - prog.Vaddr + prog.Off, nil
		}
	}

	return 0, fmt.Errorf("%w: entry %#x in %s", ErrEntryNotMapped, f.Entry, path)
}
