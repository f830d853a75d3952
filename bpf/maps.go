package bpf

import (
	"fmt"

	"github.com/cilium/ebpf"
)

const hitsName = "uprobediag_hits"

var (
	hitsKey = uint32(0)
	zero    = uint64(0)
)

func newHitsMap() (*ebpf.Map, error) {
	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       hitsName,
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create hits map: %w", err)
	}

	return m, nil
}

func initHitsMap(m *ebpf.Map) error {
	if err := m.Put(&hitsKey, &zero); err != nil {
		return fmt.Errorf("failed to initialise hits map to zero: %w", err)
	}

	return nil
}

func readHitsMap(m *ebpf.Map) (uint64, error) {
	var hits uint64

	if err := m.Lookup(&hitsKey, &hits); err != nil {
		return 0, fmt.Errorf("failed to read hits map: %w", err)
	}

	return hits, nil
}
