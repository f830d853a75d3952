package debuginfo

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
)

var ErrNoDebugLink = errors.New("binary has no .gnu_debuglink section")

// DebugLink is the content of a .gnu_debuglink section: the name of the
// separate debug file and the CRC32 of its contents.
type DebugLink struct {
	Name  string
	CRC32 uint32
}

// ReadDebugLink reads the .gnu_debuglink section of the ELF file at path.
func ReadDebugLink(path string) (*DebugLink, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file %s: %w", path, err)
	}
	defer f.Close()

	sec := f.Section(".gnu_debuglink")
	if sec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoDebugLink, path)
	}

	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to read .gnu_debuglink: %w", err)
	}

	nul := bytes.IndexByte(data, 0)
	if nul <= 0 {
		return nil, fmt.Errorf("%w: empty name in %s", ErrNoDebugLink, path)
	}

	link := &DebugLink{Name: string(data[:nul])}

	// the CRC follows the NUL terminated name, 4 byte aligned
	if crcOff := align4(nul + 1); crcOff+4 <= len(data) {
		link.CRC32 = f.ByteOrder.Uint32(data[crcOff:])
	}

	return link, nil
}
