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

package cache

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
	"math"
	"math/bits"
)

// bloomHeaderSize is numBits(8) + numHashes(4) + inserted(8).
const bloomHeaderSize = 20

// ErrInvalidBloom is returned when an encoded filter cannot be decoded.
var ErrInvalidBloom = errors.New("invalid bloom filter encoding")

// BloomFilter is a probabilistic set with no false negatives. One is built
// for every partition while the partition is written; after that it is only
// queried.
type BloomFilter struct {
	bits      []byte
	numBits   uint64
	numHashes uint32
	inserted  uint64
}

// NewBloomFilter sizes a filter for expectedKeys at the given false
// positive rate:
//
//	m = -(n * ln(p)) / (ln(2)^2)
//	k = (m/n) * ln(2)
func NewBloomFilter(expectedKeys int, falsePositiveRate float64) *BloomFilter {
	if expectedKeys < 1 {
		expectedKeys = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	n := float64(expectedKeys)
	numBits := uint64(math.Ceil(-n * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if numBits < 64 {
		numBits = 64
	}
	numHashes := uint32(math.Round(float64(numBits) / n * math.Ln2))
	if numHashes == 0 {
		numHashes = 1
	}

	return &BloomFilter{
		bits:      make([]byte, (numBits+7)/8),
		numBits:   numBits,
		numHashes: numHashes,
	}
}

// hashes returns the two base hashes for double hashing:
// h_i(x) = (h1(x) + i*h2(x)) mod m
func hashes(key []byte) (uint64, uint64) {
	h1 := fnv.New64a()
	h1.Write(key)
	h2 := fnv.New64()
	h2.Write(key)
	// An odd step visits distinct positions for every i.
	return h1.Sum64(), h2.Sum64() | 1
}

// Add inserts a key.
func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := hashes(key)
	for i := uint64(0); i < uint64(bf.numHashes); i++ {
		pos := (h1 + i*h2) % bf.numBits
		bf.bits[pos/8] |= 1 << (pos % 8)
	}
	bf.inserted++
}

// MightContain reports false only when key was definitely never added.
func (bf *BloomFilter) MightContain(key []byte) bool {
	h1, h2 := hashes(key)
	for i := uint64(0); i < uint64(bf.numHashes); i++ {
		pos := (h1 + i*h2) % bf.numBits
		if bf.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// NumBits returns the size of the bit array.
func (bf *BloomFilter) NumBits() uint64 { return bf.numBits }

// NumHashes returns the number of hash functions.
func (bf *BloomFilter) NumHashes() uint32 { return bf.numHashes }

// Inserted returns how many keys were added.
func (bf *BloomFilter) Inserted() uint64 { return bf.inserted }

// SetBits returns the number of bits set to one.
func (bf *BloomFilter) SetBits() uint64 {
	var n uint64
	for _, b := range bf.bits {
		n += uint64(bits.OnesCount8(b))
	}
	return n
}

// EstimatedFalsePositiveRate returns (1 - e^(-kn/m))^k for the current
// number of inserted keys.
func (bf *BloomFilter) EstimatedFalsePositiveRate() float64 {
	k := float64(bf.numHashes)
	exp := math.Exp(-k * float64(bf.inserted) / float64(bf.numBits))
	return math.Pow(1-exp, k)
}

// Merge returns a new filter holding the union of bf and other. Both must
// share the same geometry.
func (bf *BloomFilter) Merge(other *BloomFilter) (*BloomFilter, error) {
	if bf.numBits != other.numBits || bf.numHashes != other.numHashes {
		return nil, errors.New("bloom filters have different geometry")
	}
	out := &BloomFilter{
		bits:      make([]byte, len(bf.bits)),
		numBits:   bf.numBits,
		numHashes: bf.numHashes,
		inserted:  bf.inserted + other.inserted,
	}
	for i := range out.bits {
		out.bits[i] = bf.bits[i] | other.bits[i]
	}
	return out, nil
}

// Encode serializes the filter.
// Format: [numBits(8)][numHashes(4)][inserted(8)][bits...]
func (bf *BloomFilter) Encode() []byte {
	buf := make([]byte, bloomHeaderSize+len(bf.bits))
	binary.BigEndian.PutUint64(buf[0:], bf.numBits)
	binary.BigEndian.PutUint32(buf[8:], bf.numHashes)
	binary.BigEndian.PutUint64(buf[12:], bf.inserted)
	copy(buf[bloomHeaderSize:], bf.bits)
	return buf
}

// EncodedSize returns len(Encode()) without allocating.
func (bf *BloomFilter) EncodedSize() int {
	return bloomHeaderSize + len(bf.bits)
}

// DecodeBloomFilter deserializes a filter written by Encode.
func DecodeBloomFilter(data []byte) (*BloomFilter, error) {
	if len(data) < bloomHeaderSize {
		return nil, ErrInvalidBloom
	}
	numBits := binary.BigEndian.Uint64(data[0:])
	numHashes := binary.BigEndian.Uint32(data[8:])
	inserted := binary.BigEndian.Uint64(data[12:])
	if numBits == 0 || numHashes == 0 || uint64(len(data)-bloomHeaderSize) != (numBits+7)/8 {
		return nil, ErrInvalidBloom
	}

	b := make([]byte, len(data)-bloomHeaderSize)
	copy(b, data[bloomHeaderSize:])
	return &BloomFilter{
		bits:      b,
		numBits:   numBits,
		numHashes: numHashes,
		inserted:  inserted,
	}, nil
}
