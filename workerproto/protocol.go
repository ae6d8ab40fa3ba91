// Package workerproto implements the out-of-process worker wire protocol
// from spec.md §6: a magic-word handshake followed by framed, fixed-code
// operations. Framing follows storedb's length-prefixed "codec"
// convention (big-endian uint32 length/count prefixes) rather than
// introducing a second encoding on the wire.
package workerproto

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/superfly/storeforge/storedb"
)

// Magic words exchanged during the handshake: the client writes
// WorkerMagic1, the server replies WorkerMagic2. Any other value on either
// side is a protocol error.
const (
	WorkerMagic1 uint32 = 0x6e697864
	WorkerMagic2 uint32 = 0x6478696e
)

// Op identifies a framed operation. Unknown ops are fatal per spec.md §6.
type Op uint32

const (
	OpQuit             Op = 0
	OpIsValidPath      Op = 1
	OpQuerySubstitutes Op = 2
)

func (op Op) String() string {
	switch op {
	case OpQuit:
		return "Quit"
	case OpIsValidPath:
		return "IsValidPath"
	case OpQuerySubstitutes:
		return "QuerySubstitutes"
	default:
		return fmt.Sprintf("Op(%d)", uint32(op))
	}
}

// ErrUnknownOp is returned when a frame names an op neither side
// recognises.
type ErrUnknownOp struct {
	Op Op
}

func (e *ErrUnknownOp) Error() string { return fmt.Sprintf("workerproto: unknown op %s", e.Op) }

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeString(w io.Writer, s string) error {
	if err := writeUint32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeStringSlice(w io.Writer, ss []string) error {
	if err := writeUint32(w, uint32(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func readStringSlice(r io.Reader) ([]string, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func writeSubstitutes(w io.Writer, subs []storedb.Substitute) error {
	if err := writeUint32(w, uint32(len(subs))); err != nil {
		return err
	}
	for _, s := range subs {
		if err := writeString(w, s.Deriver); err != nil {
			return err
		}
		if err := writeString(w, s.Program); err != nil {
			return err
		}
		if err := writeStringSlice(w, s.Args); err != nil {
			return err
		}
	}
	return nil
}

func readSubstitutes(r io.Reader) ([]storedb.Substitute, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]storedb.Substitute, n)
	for i := range out {
		deriver, err := readString(r)
		if err != nil {
			return nil, err
		}
		program, err := readString(r)
		if err != nil {
			return nil, err
		}
		args, err := readStringSlice(r)
		if err != nil {
			return nil, err
		}
		out[i] = storedb.Substitute{Deriver: deriver, Program: program, Args: args}
	}
	return out, nil
}
