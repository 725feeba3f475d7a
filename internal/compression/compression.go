/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package compression provides the value codecs used by KayDB partitions and
the replication stream.

Compression Overview:
=====================

Partitions may store their values compressed. The codec is chosen per
partition and recorded in the partition header, so a store can hold
partitions written under different settings. Replication batches use the
same codecs for their payload.

Supported Algorithms:
=====================

 1. None: values stored as-is
 2. Gzip: good ratio, slower
 3. LZ4: fast compression and decompression, moderate ratio

Value Framing:
==============

EncodeValue prefixes each value with one flag byte so small or
incompressible values can be stored raw inside a compressed partition:

	0x00 | raw bytes
	0x01 | compressed bytes
*/
package compression

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// Algorithm represents a compression algorithm.
type Algorithm uint8

const (
	AlgorithmNone Algorithm = iota
	AlgorithmGzip
	AlgorithmLZ4
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmNone:
		return "none"
	case AlgorithmGzip:
		return "gzip"
	case AlgorithmLZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

// ParseAlgorithm parses a compression algorithm from string.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return AlgorithmNone, nil
	case "gzip":
		return AlgorithmGzip, nil
	case "lz4":
		return AlgorithmLZ4, nil
	default:
		return AlgorithmNone, fmt.Errorf("unknown compression algorithm: %s", s)
	}
}

// Config holds compression configuration.
type Config struct {
	Algorithm Algorithm `json:"algorithm"`
	// MinSize is the smallest value worth compressing.
	MinSize int `json:"min_size"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Algorithm: AlgorithmNone,
		MinSize:   256,
	}
}

const (
	flagRaw        byte = 0x00
	flagCompressed byte = 0x01
)

// Errors
var (
	ErrInvalidHeader   = errors.New("invalid compression header")
	ErrUnsupportedAlgo = errors.New("unsupported compression algorithm")
)

// Compressor provides compression and decompression. It is safe for
// concurrent use.
type Compressor struct {
	config     Config
	gzipPool   sync.Pool
	bufferPool sync.Pool
}

// NewCompressor creates a new compressor.
func NewCompressor(config Config) *Compressor {
	return &Compressor{
		config: config,
		gzipPool: sync.Pool{
			New: func() interface{} {
				return gzip.NewWriter(nil)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
	}
}

// Algorithm returns the configured algorithm.
func (c *Compressor) Algorithm() Algorithm {
	return c.config.Algorithm
}

// Compress compresses data using the configured algorithm.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	switch c.config.Algorithm {
	case AlgorithmNone:
		return data, nil
	case AlgorithmGzip:
		return c.compressGzip(data)
	case AlgorithmLZ4:
		return c.compressLZ4(data)
	default:
		return nil, ErrUnsupportedAlgo
	}
}

// Decompress decompresses data written with algorithm.
func (c *Compressor) Decompress(data []byte, algorithm Algorithm) ([]byte, error) {
	switch algorithm {
	case AlgorithmNone:
		return data, nil
	case AlgorithmGzip:
		return decompressGzip(data)
	case AlgorithmLZ4:
		return decompressLZ4(data)
	default:
		return nil, ErrUnsupportedAlgo
	}
}

// EncodeValue frames a value for storage, compressing it when it is large
// enough and the result is actually smaller.
func (c *Compressor) EncodeValue(value []byte) ([]byte, error) {
	if c.config.Algorithm == AlgorithmNone || len(value) < c.config.MinSize {
		return append([]byte{flagRaw}, value...), nil
	}
	compressed, err := c.Compress(value)
	if err != nil {
		return nil, err
	}
	if len(compressed) >= len(value) {
		return append([]byte{flagRaw}, value...), nil
	}
	return append([]byte{flagCompressed}, compressed...), nil
}

// DecodeValue reverses EncodeValue.
func (c *Compressor) DecodeValue(stored []byte, algorithm Algorithm) ([]byte, error) {
	if len(stored) == 0 {
		return nil, ErrInvalidHeader
	}
	switch stored[0] {
	case flagRaw:
		return stored[1:], nil
	case flagCompressed:
		return c.Decompress(stored[1:], algorithm)
	default:
		return nil, ErrInvalidHeader
	}
}

func (c *Compressor) compressGzip(data []byte) ([]byte, error) {
	buf := c.bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer c.bufferPool.Put(buf)

	w := c.gzipPool.Get().(*gzip.Writer)
	w.Reset(buf)
	defer c.gzipPool.Put(w)

	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

func decompressGzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}

func (c *Compressor) compressLZ4(data []byte) ([]byte, error) {
	buf := c.bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer c.bufferPool.Put(buf)

	w := lz4.NewWriter(buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

func decompressLZ4(data []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
}

// Ratio returns compressed size over original size; 1.0 for empty input.
func Ratio(original, compressed int) float64 {
	if original == 0 {
		return 1.0
	}
	return float64(compressed) / float64(original)
}
