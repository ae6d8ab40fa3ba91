package storeio

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/restic/chunker"
)

const (
	kib = 1024
	mib = 1024 * kib

	minChunkSize = 512 * kib
	maxChunkSize = 8 * mib
)

// chunkPolynomial is a fixed Rabin polynomial so that chunk boundaries are
// reproducible across processes; generated once offline the way restic
// itself recommends (chunker.RandomPolynomial), then pinned here rather
// than derived at runtime.
const chunkPolynomial = chunker.Pol(0x3DA3358B4DC173)

// Chunk is one content-defined chunk: its offset within the original
// stream, its length, and the SHA-256 hash of its bytes.
type Chunk struct {
	Offset uint
	Length uint
	Hash   string
}

// ChunkStream splits r into content-defined chunks using restic/chunker.
// This is an opt-in deduplication helper: no invariant in spec.md requires
// it, and nothing in the core add/copy/verify path calls it. It exists so
// a future substituter or archive format can address sub-path content by
// chunk hash instead of re-transferring whole store paths on small deltas.
//
// Grounded on _examples/stevegt-promisebase/chunker.go's use of
// restic/chunker for the same purpose (splitting a blob stream into
// content-defined chunks before storing it), including that file's note
// that Next() hands back the chunk's data via Chunk.Data, not the buf
// argument directly.
func ChunkStream(r io.Reader) ([]Chunk, error) {
	ck := chunker.NewWithBoundaries(r, chunkPolynomial, minChunkSize, maxChunkSize)
	buf := make([]byte, maxChunkSize)

	var chunks []Chunk
	for {
		c, err := ck.Next(buf)
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(c.Data)
		chunks = append(chunks, Chunk{
			Offset: c.Start,
			Length: c.Length,
			Hash:   hex.EncodeToString(sum[:]),
		})
	}
}
