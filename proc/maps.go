package proc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var ErrMalformedMapping = errors.New("malformed maps line")

const deletedSuffix = " (deleted)"

// MapsRegex matches lines in /proc/PID/maps.
//
// Match groups:
//  1. start address
//  2. end address
//  3. permissions (e.g. r-xp)
//  4. offset
//  5. device (major:minor)
//  6. inode
//  7. backing path, empty for anonymous mappings
var MapsRegex = regexp.MustCompile(
	`^([0-9a-f]+)-([0-9a-f]+)\s+([rwxps-]{4})\s+([0-9a-f]+)\s+([0-9a-f]+:[0-9a-f]+)\s+([0-9]+)\s*(.*)$`,
)

// Mapping is one line of a process's memory map.
type Mapping struct {
	Start   uint64
	End     uint64
	Perms   string
	Offset  uint64
	Dev     string
	Inode   uint64
	Path    string
	Deleted bool // the backing file was unlinked after being mapped
}

// Executable reports whether the mapping has execute permission.
func (m Mapping) Executable() bool {
	return len(m.Perms) >= 3 && m.Perms[2] == 'x'
}

// Anonymous reports whether the mapping has no backing path.
func (m Mapping) Anonymous() bool {
	return m.Path == ""
}

// Basename is the final element of the backing path.
func (m Mapping) Basename() string {
	if m.Path == "" {
		return ""
	}

	return filepath.Base(m.Path)
}

// ParseMapsLine parses a single line of /proc/PID/maps.
func ParseMapsLine(line string) (Mapping, error) {
	groups := MapsRegex.FindStringSubmatch(line)
	if groups == nil {
		return Mapping{}, fmt.Errorf("%w: %q", ErrMalformedMapping, line)
	}

	start, err := strconv.ParseUint(groups[1], 16, 64)
	if err != nil {
		return Mapping{}, fmt.Errorf("failed to convert start address to integer: %w", err)
	}

	end, err := strconv.ParseUint(groups[2], 16, 64)
	if err != nil {
		return Mapping{}, fmt.Errorf("failed to convert end address to integer: %w", err)
	}

	if end < start {
		return Mapping{}, fmt.Errorf("%w: end %#x before start %#x", ErrMalformedMapping, end, start)
	}

	offset, err := strconv.ParseUint(groups[4], 16, 64)
	if err != nil {
		return Mapping{}, fmt.Errorf("failed to convert offset to integer: %w", err)
	}

	inode, err := strconv.ParseUint(groups[6], 10, 64)
	if err != nil {
		return Mapping{}, fmt.Errorf("failed to convert inode to integer: %w", err)
	}

	m := Mapping{
		Start:  start,
		End:    end,
		Perms:  groups[3],
		Offset: offset,
		Dev:    groups[5],
		Inode:  inode,
		Path:   strings.TrimSpace(groups[7]),
	}

	if strings.HasSuffix(m.Path, deletedSuffix) {
		m.Path = strings.TrimSuffix(m.Path, deletedSuffix)
		m.Deleted = true
	}

	return m, nil
}

// ParseMaps parses the contents of a /proc/PID/maps file. Lines which don't
// look like mappings are skipped.
func ParseMaps(r io.Reader) ([]Mapping, error) {
	var mappings []Mapping

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		m, err := ParseMapsLine(line)
		if errors.Is(err, ErrMalformedMapping) {
			continue
		} else if err != nil {
			return nil, err
		}

		mappings = append(mappings, m)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning maps: %w", err)
	}

	return mappings, nil
}

// ReadMaps reads and parses the maps file at path.
func ReadMaps(path string) ([]Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	return ParseMaps(f)
}
