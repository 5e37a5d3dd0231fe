// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fuzzy

import (
	"encoding/binary"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"
)

// Digest fingerprints the normalized words of a message part.
func Digest(words []string) [DigestSize]byte {
	h, _ := blake2b.New512(nil)
	for _, w := range words {
		h.Write([]byte(w))
		h.Write([]byte{0})
	}

	var out [DigestSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// shingleWindow is the word n-gram length each shingle hashes.
const shingleWindow = 3

// Shingles derives the 32 rolling fingerprints used for near-duplicate
// voting: every word trigram hash is mixed with each of the 32 bucket
// indices, and each bucket keeps its minimum mixed value. Deterministic
// across runs.
func Shingles(words []string) [ShingleSize]uint64 {
	var out [ShingleSize]uint64
	for i := range out {
		out[i] = ^uint64(0)
	}

	if len(words) < shingleWindow {
		// degenerate input still yields stable shingles
		seed := xxhash.Sum64String(strings.Join(words, " "))
		for i := range out {
			out[i] = mix(seed, uint64(i))
		}
		return out
	}

	for i := 0; i+shingleWindow <= len(words); i++ {
		gram := strings.Join(words[i:i+shingleWindow], " ")
		h := xxhash.Sum64String(gram)

		for b := range ShingleSize {
			v := mix(h, uint64(b))
			if v < out[b] {
				out[b] = v
			}
		}
	}

	return out
}

func mix(h, salt uint64) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:], h)
	binary.LittleEndian.PutUint64(buf[8:], salt)
	return xxhash.Sum64(buf[:])
}
