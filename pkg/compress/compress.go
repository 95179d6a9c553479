// Package compress holds the codecs used for version snapshot payloads.
package compress

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/pierrec/lz4/v4"
)

// Compress encodes and decodes snapshot bytes. Name is stored next to the
// payload so rows written with one codec stay readable after a config change.
type Compress interface {
	Name() string
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

const (
	NameNop    = "none"
	NameGZip   = "gzip"
	NameLZ4    = "lz4"
	NameBrotli = "brotli"
)

// ByName returns the codec registered under name. An empty name is Nop.
func ByName(name string) (Compress, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameNop:
		return NewNop(), nil
	case NameGZip:
		return NewGZip(), nil
	case NameLZ4:
		return NewLZ4(), nil
	case NameBrotli:
		return NewBrotli(), nil
	default:
		return nil, fmt.Errorf("unknown compression %q", name)
	}
}

type Nop struct{}

func NewNop() Nop { return Nop{} }

func (Nop) Name() string { return NameNop }

func (Nop) Encode(data []byte) ([]byte, error) { return data, nil }

func (Nop) Decode(data []byte) ([]byte, error) { return data, nil }

type GZip struct{}

func NewGZip() GZip { return GZip{} }

func (GZip) Name() string { return NameGZip }

func (GZip) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GZip) Decode(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

type LZ4 struct{}

func NewLZ4() LZ4 { return LZ4{} }

func (LZ4) Name() string { return NameLZ4 }

func (LZ4) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (LZ4) Decode(data []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
}

type Brotli struct{}

func NewBrotli() Brotli { return Brotli{} }

func (Brotli) Name() string { return NameBrotli }

func (Brotli) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Brotli) Decode(data []byte) ([]byte, error) {
	return io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
}
