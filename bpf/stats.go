package bpf

import (
	"errors"
	"fmt"
	"os"

	"github.com/cilium/ebpf"
)

// ProgramSummary describes one BPF program loaded in the kernel.
type ProgramSummary struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// LoadedPrograms lists the BPF programs currently loaded. Programs unloaded
// while the list is walked are skipped.
func LoadedPrograms() ([]ProgramSummary, error) {
	var (
		out []ProgramSummary
		id  ebpf.ProgramID
	)

	for {
		next, err := ebpf.ProgramGetNextID(id)
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		} else if err != nil {
			return out, fmt.Errorf("failed to get next program id after %d: %w", id, err)
		}
		id = next

		prog, err := ebpf.NewProgramFromID(id)
		if err != nil {
			continue
		}

		info, err := prog.Info()
		prog.Close()
		if err != nil {
			continue
		}

		out = append(out, ProgramSummary{
			ID:   uint32(id),
			Name: info.Name,
			Type: info.Type.String(),
		})
	}
}
