package workerproto

import (
	"fmt"
	"io"
	"net"

	"github.com/superfly/storeforge/storedb"
)

// Client speaks the worker protocol over a single connection, for the
// out-of-process daemon variant spec.md §6 describes.
type Client struct {
	conn net.Conn
}

// Dial connects to addr over network (e.g. "unix", "tcp") and performs the
// magic-word handshake.
func Dial(network, addr string) (*Client, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	c := &Client{conn: conn}
	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake() error {
	if err := writeUint32(c.conn, WorkerMagic1); err != nil {
		return err
	}
	magic, err := readUint32(c.conn)
	if err != nil {
		return err
	}
	if magic != WorkerMagic2 {
		return fmt.Errorf("workerproto: bad server magic %#x", magic)
	}
	return nil
}

// Close sends Quit and closes the underlying connection.
func (c *Client) Close() error {
	_ = writeUint32(c.conn, uint32(OpQuit))
	return c.conn.Close()
}

// IsValidPath asks the server whether path is a registered valid path,
// returning its stored content hash when it is.
func (c *Client) IsValidPath(path string) (valid bool, hash string, err error) {
	if err := writeUint32(c.conn, uint32(OpIsValidPath)); err != nil {
		return false, "", err
	}
	if err := writeString(c.conn, path); err != nil {
		return false, "", err
	}

	var validByte [1]byte
	if _, err := io.ReadFull(c.conn, validByte[:]); err != nil {
		return false, "", err
	}
	hash, err = readString(c.conn)
	if err != nil {
		return false, "", err
	}
	return validByte[0] != 0, hash, nil
}

// QuerySubstitutes asks the server for path's ordered substitute
// candidates.
func (c *Client) QuerySubstitutes(path string) ([]storedb.Substitute, error) {
	if err := writeUint32(c.conn, uint32(OpQuerySubstitutes)); err != nil {
		return nil, err
	}
	if err := writeString(c.conn, path); err != nil {
		return nil, err
	}
	return readSubstitutes(c.conn)
}
