// Package pipeline streams file content through compression, optional
// authenticated encryption, and chunk checksumming.
package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"

	"github.com/snapvault/snapvault/internal/crypto"
	"github.com/snapvault/snapvault/internal/manifest"
	"github.com/snapvault/snapvault/internal/walker"
)

// ErrIntegrity indicates a checksum mismatch on decode.
var ErrIntegrity = errors.New("chunk integrity check failed")

// Chunk is one transformed unit of a file's content stream, ready for
// transport.
type Chunk struct {
	Ref  manifest.ChunkRef
	Data []byte
}

// Pipeline applies the configured transforms to file content. A nil
// sealer disables encryption; level 0 disables compression.
type Pipeline struct {
	level     int
	sealer    *crypto.Sealer
	chunkSize int64
}

// New creates a Pipeline. Compression level must be 0-9.
func New(level int, sealer *crypto.Sealer, chunkSize int64) (*Pipeline, error) {
	if level < gzip.NoCompression || level > gzip.BestCompression {
		return nil, fmt.Errorf("compression level %d out of range 0-9", level)
	}
	if chunkSize <= 0 {
		return nil, errors.New("chunk size must be positive")
	}
	return &Pipeline{level: level, sealer: sealer, chunkSize: chunkSize}, nil
}

// Encrypted reports whether the encryption stage is active.
func (p *Pipeline) Encrypted() bool { return p.sealer != nil }

// ProcessFile reads the file at sel.Info.Path, emits its chunks in
// order, and returns the completed manifest entry. Each chunk carries a
// checksum over its plaintext (for restore verification) and over its
// transformed bytes (for transport integrity). The emit callback may
// rewrite the ref's stored fields; the entry records what the callback
// left in place, so the manifest describes the bytes actually at the
// destination.
func (p *Pipeline) ProcessFile(ctx context.Context, sel SelectedFile, emit func(*Chunk) error) (manifest.Entry, error) {
	entry := manifest.Entry{
		Path:    sel.Info.Path,
		Size:    sel.Info.Size,
		Mode:    uint32(sel.Info.Mode),
		ModTime: sel.Info.ModTime,
		Change:  sel.Change,
	}

	if sel.Info.Symlink {
		entry.Symlink = true
		entry.LinkDest = sel.Info.LinkDest
		return entry, nil
	}

	f, err := os.Open(sel.Info.Path)
	if err != nil {
		return entry, fmt.Errorf("open source file: %w", err)
	}
	defer f.Close()

	fileHash := sha256.New()
	nameBase := chunkNameBase(sel.Info.Path)
	buf := make([]byte, p.chunkSize)

	var offset int64
	for index := 0; ; index++ {
		if err := ctx.Err(); err != nil {
			return entry, err
		}

		n, readErr := io.ReadFull(f, buf)
		if readErr == io.EOF {
			break
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			return entry, fmt.Errorf("read source file: %w", readErr)
		}

		plain := buf[:n]
		fileHash.Write(plain)

		stored, err := p.transform(plain)
		if err != nil {
			return entry, err
		}

		ref := manifest.ChunkRef{
			Index:      index,
			Offset:     offset,
			PlainSize:  int64(n),
			StoredSize: int64(len(stored)),
			PlainSHA:   hashHex(plain),
			StoredSHA:  hashHex(stored),
			StoredName: fmt.Sprintf("%s-%06d", nameBase, index),
		}
		c := Chunk{Ref: ref, Data: stored}
		if err := emit(&c); err != nil {
			return entry, err
		}

		entry.Chunks = append(entry.Chunks, c.Ref)
		offset += int64(n)

		if readErr == io.ErrUnexpectedEOF {
			break
		}
	}

	entry.Size = offset
	entry.Hash = hex.EncodeToString(fileHash.Sum(nil))
	if sel.Hash != "" && sel.Hash != entry.Hash {
		// The file changed between diffing and capture; the manifest
		// records what was actually read.
		entry.Change = manifest.ChangeModified
	}
	return entry, nil
}

// SelectedFile mirrors the differ's selection without importing it,
// keeping the pipeline free of walk/diff dependencies.
type SelectedFile struct {
	Info   walker.FileInfo
	Change manifest.ChangeKind
	Hash   string
}

// transform compresses then encrypts one plaintext chunk. The emitted
// bytes never alias the caller's read buffer.
func (p *Pipeline) transform(plain []byte) ([]byte, error) {
	if p.level == gzip.NoCompression && p.sealer == nil {
		out := make([]byte, len(plain))
		copy(out, plain)
		return out, nil
	}

	data := plain
	if p.level != gzip.NoCompression {
		var buf bytes.Buffer
		zw, err := gzip.NewWriterLevel(&buf, p.level)
		if err != nil {
			return nil, fmt.Errorf("create gzip writer: %w", err)
		}
		if _, err := zw.Write(plain); err != nil {
			return nil, fmt.Errorf("compress chunk: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("flush gzip writer: %w", err)
		}
		data = buf.Bytes()
	}

	if p.sealer != nil {
		sealed, err := p.sealer.Seal(data)
		if err != nil {
			return nil, fmt.Errorf("encrypt chunk: %w", err)
		}
		data = sealed
	}
	return data, nil
}

// DecodeChunk reverses the transform for one stored chunk and verifies
// both checksums. Returns ErrIntegrity on any mismatch.
func (p *Pipeline) DecodeChunk(ref manifest.ChunkRef, stored []byte) ([]byte, error) {
	if hashHex(stored) != ref.StoredSHA {
		return nil, fmt.Errorf("%w: stored checksum mismatch for %s", ErrIntegrity, ref.StoredName)
	}

	data := stored
	if p.sealer != nil {
		plain, err := p.sealer.Open(data)
		if err != nil {
			return nil, fmt.Errorf("decrypt chunk %s: %w", ref.StoredName, err)
		}
		data = plain
	}

	if p.level != gzip.NoCompression {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("open gzip reader for %s: %w", ref.StoredName, err)
		}
		decompressed, err := io.ReadAll(zr)
		if cerr := zr.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("decompress chunk %s: %w", ref.StoredName, err)
		}
		data = decompressed
	}

	if hashHex(data) != ref.PlainSHA {
		return nil, fmt.Errorf("%w: plaintext checksum mismatch for %s", ErrIntegrity, ref.StoredName)
	}
	return data, nil
}

// chunkNameBase derives the stored-name prefix for a file's chunks.
func chunkNameBase(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:8])
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
