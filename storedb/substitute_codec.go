package storedb

import (
	"encoding/binary"
	"fmt"
)

// substituteSchema is the wire tag written ahead of every encoded
// Substitute list, per spec.md §3 ("serialised as a length-prefixed packed
// string, tagged with schema version 2"). Grounded on types.go's per-type
// Marshal()/Unmarshal() "codec" convention from the teacher pack.
const substituteSchema uint32 = 2

// Substitute is an ordered candidate to materialise a store path: which
// derivation produced it, and the external program (with arguments) that
// can fetch or rebuild it.
type Substitute struct {
	Deriver string
	Program string
	Args    []string
}

// marshalSubstitutes encodes subs as:
//
//	uint32 schema tag
//	uint32 count
//	for each: uint32 len(Deriver) ++ Deriver
//	          uint32 len(Program) ++ Program
//	          uint32 argc
//	          for each arg: uint32 len(arg) ++ arg
func marshalSubstitutes(subs []Substitute) ([]byte, error) {
	size := 8
	for _, s := range subs {
		size += 4 + len(s.Deriver) + 4 + len(s.Program) + 4
		for _, a := range s.Args {
			size += 4 + len(a)
		}
	}
	buf := make([]byte, 0, size)
	buf = appendUint32(buf, substituteSchema)
	buf = appendUint32(buf, uint32(len(subs)))
	for _, s := range subs {
		buf = appendString(buf, s.Deriver)
		buf = appendString(buf, s.Program)
		buf = appendUint32(buf, uint32(len(s.Args)))
		for _, a := range s.Args {
			buf = appendString(buf, a)
		}
	}
	return buf, nil
}

func unmarshalSubstitutes(data []byte) ([]Substitute, error) {
	r := &reader{data: data}
	schema, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if schema != substituteSchema {
		return nil, fmt.Errorf("substitute codec: unsupported schema %d (want %d)", schema, substituteSchema)
	}
	count, err := r.uint32()
	if err != nil {
		return nil, err
	}
	subs := make([]Substitute, 0, count)
	for i := uint32(0); i < count; i++ {
		deriver, err := r.string()
		if err != nil {
			return nil, err
		}
		program, err := r.string()
		if err != nil {
			return nil, err
		}
		argc, err := r.uint32()
		if err != nil {
			return nil, err
		}
		var args []string
		if argc > 0 {
			args = make([]string, 0, argc)
		}
		for j := uint32(0); j < argc; j++ {
			a, err := r.string()
			if err != nil {
				return nil, err
			}
			args = append(args, a)
		}
		subs = append(subs, Substitute{Deriver: deriver, Program: program, Args: args})
	}
	return subs, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

type reader struct {
	data []byte
	pos  int
}

func (r *reader) uint32() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, fmt.Errorf("substitute codec: truncated uint32")
	}
	v := binary.BigEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *reader) string() (string, error) {
	n, err := r.uint32()
	if err != nil {
		return "", err
	}
	if r.pos+int(n) > len(r.data) {
		return "", fmt.Errorf("substitute codec: truncated string")
	}
	s := string(r.data[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}
