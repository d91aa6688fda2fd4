// Package checksum provides content hash utilities for Tierkeeper.
package checksum

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
)

// New returns a hash.Hash for the given algorithm name. Supported algorithms
// are MD5 and SHA-256, the two used by file references.
func New(algorithm string) (hash.Hash, error) {
	switch strings.ToUpper(algorithm) {
	case "MD5":
		return md5.New(), nil
	case "SHA-256", "SHA256":
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}
}

// Writer wraps an io.Writer and computes a checksum while writing. This
// allows verifying stored content in a single pass.
type Writer struct {
	writer io.Writer
	hash   hash.Hash
	size   int64
}

// NewWriter creates a Writer computing the given algorithm.
func NewWriter(w io.Writer, algorithm string) (*Writer, error) {
	h, err := New(algorithm)
	if err != nil {
		return nil, err
	}
	return &Writer{writer: w, hash: h}, nil
}

// Write implements io.Writer and updates the checksum computation.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.writer.Write(p)
	if n > 0 {
		w.hash.Write(p[:n])
		w.size += int64(n)
	}
	return n, err
}

// Sum returns the hex-encoded checksum of everything written so far.
func (w *Writer) Sum() string {
	return hex.EncodeToString(w.hash.Sum(nil))
}

// Size returns the total number of bytes written.
func (w *Writer) Size() int64 {
	return w.size
}

// Verify checks that written content matches the expected hex checksum.
func (w *Writer) Verify(expected string) error {
	actual := w.Sum()
	if !strings.EqualFold(actual, expected) {
		return fmt.Errorf("checksum mismatch: expected %s, computed %s", expected, actual)
	}
	return nil
}

// ComputeStream computes the checksum of a reader's content with the given
// algorithm.
func ComputeStream(r io.Reader, algorithm string) (string, int64, error) {
	h, err := New(algorithm)
	if err != nil {
		return "", 0, err
	}
	size, err := io.Copy(h, r)
	if err != nil {
		return "", 0, fmt.Errorf("failed to compute %s checksum: %w", algorithm, err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
