package workerproto

import (
	"fmt"
	"io"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/superfly/storeforge/storedb"
)

// Server answers worker-protocol connections against a single store
// database, for the out-of-process daemon variant spec.md §6 describes.
type Server struct {
	DB     *storedb.DB
	Logger *logrus.Logger
}

// NewServer constructs a Server. A nil logger gets logrus's default.
func NewServer(db *storedb.DB, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{DB: db, Logger: logger}
}

// Serve accepts connections on ln until it is closed, handling each on its
// own goroutine. Every connection is independent — there is no shared
// in-process state beyond the database, which already serialises its own
// writes (spec.md §5).
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if err := s.handshake(conn); err != nil {
		s.Logger.WithError(err).Debug("worker protocol handshake failed")
		return
	}

	for {
		if err := s.handleOne(conn); err != nil {
			if err != io.EOF {
				s.Logger.WithError(err).Debug("worker protocol connection closed")
			}
			return
		}
	}
}

// handshake performs the server side of the magic-word exchange: read the
// client's WorkerMagic1, reply with WorkerMagic2.
func (s *Server) handshake(conn net.Conn) error {
	magic, err := readUint32(conn)
	if err != nil {
		return err
	}
	if magic != WorkerMagic1 {
		return fmt.Errorf("workerproto: bad client magic %#x", magic)
	}
	return writeUint32(conn, WorkerMagic2)
}

func (s *Server) handleOne(conn net.Conn) error {
	rawOp, err := readUint32(conn)
	if err != nil {
		return err
	}
	op := Op(rawOp)

	switch op {
	case OpQuit:
		return io.EOF
	case OpIsValidPath:
		return s.handleIsValidPath(conn)
	case OpQuerySubstitutes:
		return s.handleQuerySubstitutes(conn)
	default:
		return &ErrUnknownOp{Op: op}
	}
}

func (s *Server) handleIsValidPath(conn net.Conn) error {
	path, err := readString(conn)
	if err != nil {
		return err
	}

	tx, err := s.DB.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	valid, hash, err := tx.IsValidPath(path)
	if err != nil {
		return err
	}

	var validByte [1]byte
	if valid {
		validByte[0] = 1
	}
	if _, err := conn.Write(validByte[:]); err != nil {
		return err
	}
	return writeString(conn, hash)
}

func (s *Server) handleQuerySubstitutes(conn net.Conn) error {
	path, err := readString(conn)
	if err != nil {
		return err
	}

	tx, err := s.DB.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	subs, err := tx.QuerySubstitutes(path)
	if err != nil {
		return err
	}
	return writeSubstitutes(conn, subs)
}
