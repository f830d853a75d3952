package debuginfo

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

var ErrNoBuildID = errors.New("binary has no build ID")

// NT_GNU_BUILD_ID from elf.h; debug/elf doesn't define it.
const ntGNUBuildID = 3

// ReadBuildID returns the hex encoded GNU build ID of the ELF file at path.
// Note sections are searched first, then PT_NOTE segments for files whose
// section headers were stripped.
func ReadBuildID(path string) (string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open ELF file %s: %w", path, err)
	}
	defer f.Close()

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_NOTE {
			continue
		}

		data, err := sec.Data()
		if err != nil {
			continue
		}

		if id, ok := findBuildID(data, f.ByteOrder); ok {
			return id, nil
		}
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_NOTE {
			continue
		}

		data, err := io.ReadAll(prog.Open())
		if err != nil {
			continue
		}

		if id, ok := findBuildID(data, f.ByteOrder); ok {
			return id, nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrNoBuildID, path)
}

func align4(n int) int {
	return (n + 3) &^ 3
}

// findBuildID walks the notes in data. Each note is namesz(4) descsz(4)
// type(4) followed by the name and descriptor, each padded to 4 bytes.
func findBuildID(data []byte, order binary.ByteOrder) (string, bool) {
	offset := 0

	for offset+12 <= len(data) {
		nameLen := int(order.Uint32(data[offset:]))
		descLen := int(order.Uint32(data[offset+4:]))
		noteType := order.Uint32(data[offset+8:])
		offset += 12

		if nameLen < 0 || descLen < 0 {
			return "", false
		}

		descStart := offset + align4(nameLen)
		if descStart+descLen > len(data) {
			return "", false
		}

		name := bytes.TrimRight(data[offset:offset+nameLen], "\x00")
		desc := data[descStart : descStart+descLen]
		offset = descStart + align4(descLen)

		if noteType == ntGNUBuildID && string(name) == "GNU" && descLen > 0 {
			return hex.EncodeToString(desc), true
		}
	}

	return "", false
}
