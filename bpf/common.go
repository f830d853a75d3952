package bpf

import (
	"errors"
	"fmt"
)

var (
	ErrSymbolNotFound = errors.New("symbol not found in binary")
	ErrEmptyTarget    = errors.New("neither symbol nor offset given")
	ErrBadWindow      = errors.New("observation window must be positive")
)

// Target is where in a binary the counter attaches: a symbol name, or a raw
// file offset when Symbol is empty.
type Target struct {
	Symbol string
	Offset uint64
}

// NewSymbolTarget returns a Target naming a symbol.
func NewSymbolTarget(symbol string) Target {
	return Target{Symbol: symbol}
}

// NewOffsetTarget returns a Target at a raw file offset.
func NewOffsetTarget(offset uint64) Target {
	return Target{Offset: offset}
}

func (t Target) String() string {
	if t.Symbol != "" {
		return t.Symbol
	}

	return fmt.Sprintf("0x%x", t.Offset)
}

func (t Target) validate() error {
	if t.Symbol == "" && t.Offset == 0 {
		return ErrEmptyTarget
	}

	return nil
}
