package upload

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"

	"github.com/opencontainers/go-digest"
)

// Chunk is a contiguous byte range of a blob transferred in one request.
type Chunk struct {
	// Data is only valid until the next iteration of the sequence that produced the chunk.
	Data []byte
	// Start is the offset of the first byte of the chunk within the blob.
	Start int64
	// End is the offset right after the last byte of the chunk, i.e. the Start of the next chunk.
	End int64
	// Final is set for the last chunk of the blob.
	Final bool
	// Digest is the digest of the whole blob. It's only set for the final chunk.
	Digest digest.Digest
}

// Len returns the number of bytes in the chunk.
func (c Chunk) Len() int {
	return len(c.Data)
}

// ContentRange returns the value of the Content-Range header for the chunk: the offsets of its first and last byte.
// It's empty for a zero-length chunk.
func (c Chunk) ContentRange() string {
	if c.End <= c.Start {
		return ""
	}
	return strconv.FormatInt(c.Start, 10) + "-" + strconv.FormatInt(c.End-1, 10)
}

// Chunks returns a sequence of chunks of at most chunkSize bytes read from r which must contain exactly size bytes.
// The digest of the stream is accumulated while reading so the final chunk carries the digest of the whole blob.
// An empty stream produces a single zero-length final chunk. The chunk buffer is reused between iterations.
func Chunks(r io.Reader, size int64, chunkSize int) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		if chunkSize <= 0 {
			yield(Chunk{}, fmt.Errorf("invalid chunk size: %d", chunkSize))
			return
		}
		if size < 0 {
			yield(Chunk{}, fmt.Errorf("invalid blob size: %d", size))
			return
		}

		bufSize := int64(chunkSize)
		if size < bufSize {
			bufSize = size
		}
		buf := make([]byte, bufSize)
		digester := digest.SHA256.Digester()

		var offset int64
		for {
			n := min(int64(chunkSize), size-offset)
			data := buf[:n]
			if _, err := io.ReadFull(r, data); err != nil {
				if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
					err = fmt.Errorf("blob is shorter than %d bytes: %w", size, err)
				}
				yield(Chunk{}, fmt.Errorf("read bytes %d-%d: %w", offset, offset+n, err))
				return
			}
			digester.Hash().Write(data)

			c := Chunk{Data: data, Start: offset, End: offset + n}
			offset = c.End
			if offset == size {
				var extra [1]byte
				if k, _ := io.ReadFull(r, extra[:]); k > 0 {
					yield(Chunk{}, fmt.Errorf("blob is longer than %d bytes", size))
					return
				}
				c.Final = true
				c.Digest = digester.Digest()
			}

			if !yield(c, nil) || c.Final {
				return
			}
		}
	}
}
