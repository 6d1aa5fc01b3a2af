// Package execid provides the 128-bit identifier of one distributed execution
// attempt.
package execid

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

type ID struct {
	Hi uint64
	Lo uint64
}

// New draws a random v4 UUID and splits it into its most and least
// significant halves.
func New() ID {
	u := uuid.New()
	return ID{
		Hi: binary.BigEndian.Uint64(u[:8]),
		Lo: binary.BigEndian.Uint64(u[8:]),
	}
}

func (id ID) IsZero() bool {
	return id.Hi == 0 && id.Lo == 0
}

func (id ID) String() string {
	return fmt.Sprintf("%x-%x", id.Hi, id.Lo)
}

func Parse(s string) (ID, error) {
	hi, lo, ok := strings.Cut(s, "-")
	if !ok || hi == "" || lo == "" {
		return ID{}, fmt.Errorf("invalid execution id %q", s)
	}

	h, err := strconv.ParseUint(hi, 16, 64)
	if err != nil {
		return ID{}, fmt.Errorf("invalid execution id %q: %w", s, err)
	}
	l, err := strconv.ParseUint(lo, 16, 64)
	if err != nil {
		return ID{}, fmt.Errorf("invalid execution id %q: %w", s, err)
	}

	return ID{Hi: h, Lo: l}, nil
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
