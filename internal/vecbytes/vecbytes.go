// Package vecbytes implements the one hard cross-cutting contract in the
// whole system: every embedding vector is turned into bytes the exact same
// way everywhere, because content_id (SHA-256 of a document vector's byte
// representation) must match regardless of which code path touched the
// vector on its way there.
package vecbytes

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// Encode serializes v as a little-endian IEEE-754 float32 byte sequence.
func Encode(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(x))
	}
	return out
}

// Hash returns the hex SHA-256 digest of v's byte encoding, the basis for
// both content_id and the L2 sample-embedding hash.
func Hash(v []float32) string {
	sum := sha256.Sum256(Encode(v))
	return hexEncode(sum[:])
}

// Mean returns the componentwise mean of one or more equal-length vectors.
func Mean(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	for _, v := range vectors {
		for i, x := range v {
			if i < dim {
				sum[i] += float64(x)
			}
		}
	}
	out := make([]float32, dim)
	for i, s := range sum {
		out[i] = float32(s / float64(len(vectors)))
	}
	return out
}

const hexDigits = "0123456789abcdef"

func hexEncode(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}
