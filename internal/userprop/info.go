// Package userprop stores per-user properties in a length-prefixed binary
// form: the user name, a property count, then key/value pairs. Strings are a
// big endian int32 byte length followed by UTF-8 bytes.
package userprop

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
)

// ExecMemLimitKey is the property holding a user's load memory limit in
// bytes.
const ExecMemLimitKey = "exec_mem_limit"

var ErrMalformed = errors.New("malformed user property record")

type Pair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Info struct {
	User       string `json:"user"`
	Properties []Pair `json:"properties"`
}

// Get returns the value of the first property named key.
func (i *Info) Get(key string) (string, bool) {
	for _, p := range i.Properties {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// ExecMemLimit parses the exec_mem_limit property.
func (i *Info) ExecMemLimit() (int64, bool) {
	v, ok := i.Get(ExecMemLimitKey)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func (i *Info) Write(w io.Writer) error {
	if err := writeString(w, i.User); err != nil {
		return err
	}
	if len(i.Properties) > math.MaxInt32 {
		return fmt.Errorf("too many properties: %d", len(i.Properties))
	}
	if err := binary.Write(w, binary.BigEndian, int32(len(i.Properties))); err != nil {
		return err
	}
	for _, p := range i.Properties {
		if err := writeString(w, p.Key); err != nil {
			return err
		}
		if err := writeString(w, p.Value); err != nil {
			return err
		}
	}
	return nil
}

func Read(r io.Reader) (*Info, error) {
	user, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("read user: %w", err)
	}

	var size int32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, fmt.Errorf("read property count: %w", wrapEOF(err))
	}
	if size < 0 {
		return nil, fmt.Errorf("%w: negative property count %d", ErrMalformed, size)
	}

	info := &Info{User: user, Properties: make([]Pair, 0, min(int(size), 64))}
	for n := range int(size) {
		key, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("read property %d key: %w", n, err)
		}
		val, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("read property %d value: %w", n, err)
		}
		info.Properties = append(info.Properties, Pair{Key: key, Value: val})
	}
	return info, nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > math.MaxInt32 {
		return fmt.Errorf("string too long: %d bytes", len(s))
	}
	if err := binary.Write(w, binary.BigEndian, int32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n int32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", wrapEOF(err)
	}
	if n < 0 {
		return "", fmt.Errorf("%w: negative string length %d", ErrMalformed, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", wrapEOF(err)
	}
	return string(buf), nil
}

func wrapEOF(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated input", ErrMalformed)
	}
	return err
}
