package storeio

import (
	"bytes"
	"testing"
)

func TestChunkStreamCoversWholeInput(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789abcdef"), 100000) // ~1.6MB, spans several chunks
	chunks, err := ChunkStream(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	var total uint
	for _, c := range chunks {
		total += c.Length
		if c.Hash == "" {
			t.Error("expected non-empty chunk hash")
		}
	}
	if int(total) != len(data) {
		t.Errorf("chunks cover %d bytes, want %d", total, len(data))
	}
}

func TestChunkStreamDeterministic(t *testing.T) {
	data := bytes.Repeat([]byte("the quick brown fox "), 50000)
	c1, err := ChunkStream(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	c2, err := ChunkStream(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if len(c1) != len(c2) {
		t.Fatalf("chunk counts differ: %d vs %d", len(c1), len(c2))
	}
	for i := range c1 {
		if c1[i] != c2[i] {
			t.Errorf("chunk %d differs: %+v vs %+v", i, c1[i], c2[i])
		}
	}
}
