// Package elftest writes minimal ELF files with chosen identity notes for
// tests.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// LoadAddress is the virtual address of the single loadable segment.
const LoadAddress = 0x400000

const ntGNUBuildID = 3

// Spec describes the file to write.
type Spec struct {
	// BuildID is a hex string; empty means no build ID note.
	BuildID string
	// DebugLink is the .gnu_debuglink name; empty means no such section.
	DebugLink string
	// EntryOffset is the file offset the entry point maps to.
	EntryOffset uint64
	// NoLoad omits the program header table.
	NoLoad bool
}

type section struct {
	name  string
	typ   elf.SectionType
	data  []byte
	align uint64
}

func pad4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}

	return b
}

// Write creates path (and its parent directories) holding an ELF file built
// from s.
func Write(t *testing.T, path string, s Spec) string {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, Build(t, s), 0o755))

	return path
}

// Build returns the bytes of an ELF file built from s.
func Build(t *testing.T, s Spec) []byte {
	t.Helper()

	order := binary.LittleEndian

	var sections []section

	if s.BuildID != "" {
		id, err := hex.DecodeString(s.BuildID)
		require.NoError(t, err)

		var note bytes.Buffer
		require.NoError(t, binary.Write(&note, order, uint32(4)))
		require.NoError(t, binary.Write(&note, order, uint32(len(id))))
		require.NoError(t, binary.Write(&note, order, uint32(ntGNUBuildID)))
		note.Write([]byte("GNU\x00"))
		note.Write(pad4(id))

		sections = append(sections, section{name: ".note.gnu.build-id", typ: elf.SHT_NOTE, data: note.Bytes(), align: 4})
	}

	if s.DebugLink != "" {
		link := pad4(append([]byte(s.DebugLink), 0))
		crc := make([]byte, 4)
		order.PutUint32(crc, crc32.ChecksumIEEE([]byte(s.DebugLink)))

		sections = append(sections, section{name: ".gnu_debuglink", typ: elf.SHT_PROGBITS, data: append(link, crc...), align: 4})
	}

	shstrtab := []byte{0}
	nameOffsets := make([]uint32, len(sections)+1)

	for i, sec := range sections {
		nameOffsets[i] = uint32(len(shstrtab))
		shstrtab = append(append(shstrtab, sec.name...), 0)
	}

	nameOffsets[len(sections)] = uint32(len(shstrtab))
	shstrtab = append(append(shstrtab, ".shstrtab"...), 0)

	sections = append(sections, section{name: ".shstrtab", typ: elf.SHT_STRTAB, data: shstrtab, align: 1})

	const (
		ehsize    = 64
		phentsize = 56
		shentsize = 64
	)

	phnum := 1
	if s.NoLoad {
		phnum = 0
	}

	off := uint64(ehsize + phnum*phentsize)
	offsets := make([]uint64, len(sections))

	for i, sec := range sections {
		offsets[i] = off
		off += uint64(len(sec.data))
	}

	for off%8 != 0 {
		off++
	}

	shoff := off
	fileSize := shoff + uint64((len(sections)+1)*shentsize)

	entryOffset := s.EntryOffset
	if entryOffset == 0 {
		entryOffset = ehsize
	}

	hdr := elf.Header64{
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     LoadAddress + entryOffset,
		Shoff:     shoff,
		Ehsize:    ehsize,
		Shentsize: shentsize,
		Shnum:     uint16(len(sections) + 1),
		Shstrndx:  uint16(len(sections)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	if phnum > 0 {
		hdr.Phoff = ehsize
		hdr.Phentsize = phentsize
		hdr.Phnum = uint16(phnum)
	}

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, order, hdr))

	if phnum > 0 {
		require.NoError(t, binary.Write(&buf, order, elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R | elf.PF_X),
			Off:    0,
			Vaddr:  LoadAddress,
			Paddr:  LoadAddress,
			Filesz: fileSize,
			Memsz:  fileSize,
			Align:  0x1000,
		}))
	}

	for _, sec := range sections {
		buf.Write(sec.data)
	}

	for uint64(buf.Len()) < shoff {
		buf.WriteByte(0)
	}

	// index 0 is the reserved null section
	require.NoError(t, binary.Write(&buf, order, elf.Section64{}))

	for i, sec := range sections {
		require.NoError(t, binary.Write(&buf, order, elf.Section64{
			Name:      nameOffsets[i],
			Type:      uint32(sec.typ),
			Off:       offsets[i],
			Size:      uint64(len(sec.data)),
			Addralign: sec.align,
		}))
	}

	return buf.Bytes()
}
