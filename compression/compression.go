// Package compression implements record batch codecs. Types here satisfy the
// libkafka batch.Compressor and batch.Decompressor interfaces.
package compression

import (
	"bytes"
	"fmt"
	"io/ioutil"

	"github.com/DataDog/zstd"
	"github.com/mkocikowski/libkafka/batch"
	"github.com/mkocikowski/libkafka/compression"
	"github.com/pierrec/lz4"
)

type Lz4 struct{}

func (c *Lz4) Compress(src []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	w := lz4.NewWriter(buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Lz4) Decompress(src []byte) ([]byte, error) {
	return ioutil.ReadAll(lz4.NewReader(bytes.NewReader(src)))
}

func (c *Lz4) Type() int16 {
	return compression.Lz4
}

type Zstd struct {
	Level int
}

func (c *Zstd) Compress(src []byte) ([]byte, error) {
	return zstd.CompressLevel(nil, src, c.Level)
}

func (c *Zstd) Decompress(src []byte) ([]byte, error) {
	return zstd.Decompress(nil, src)
}

func (c *Zstd) Type() int16 {
	return compression.Zstd
}

type None struct{}

func (c *None) Compress(src []byte) ([]byte, error) {
	return src, nil
}

func (c *None) Decompress(src []byte) ([]byte, error) {
	return src, nil
}

func (c *None) Type() int16 {
	return compression.None
}

// Decompressors returns a new registry of the decompressors implemented in
// this package, keyed by batch compression type. Gzip and snappy batches have
// no decompressor and fail to decode.
func Decompressors() map[int16]batch.Decompressor {
	return map[int16]batch.Decompressor{
		compression.None: &None{},
		compression.Lz4:  &Lz4{},
		compression.Zstd: &Zstd{},
	}
}

// Compressor returns the compressor for name: "none", "lz4" or "zstd".
func Compressor(name string) (batch.Compressor, error) {
	switch name {
	case "", "none":
		return &None{}, nil
	case "lz4":
		return &Lz4{}, nil
	case "zstd":
		return &Zstd{Level: 3}, nil
	}
	return nil, fmt.Errorf("unknown compression %q", name)
}
