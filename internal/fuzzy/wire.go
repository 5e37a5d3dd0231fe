// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package fuzzy implements the fuzzy hash storage: the UDP command
// protocol, shingle voting, the redis backend and periodic sync.
package fuzzy

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Command opcodes on the wire.
const (
	OpCheck uint8 = iota
	OpWrite
	OpDelete
)

// Protocol epochs, used for stats bucketing only. Datagram size alone
// disambiguates them.
type Epoch int

const (
	EpochLegacy Epoch = iota
	Epoch8
	Epoch9
	epochMax
)

func (e Epoch) String() string {
	switch e {
	case EpochLegacy:
		return "legacy"
	case Epoch8:
		return "v8"
	case Epoch9:
		return "v9"
	}
	return "invalid"
}

const (
	// ProtoVersion is the current command version byte.
	ProtoVersion = 3
	// protoVersionPrev is still accepted; its tokenizer differs
	// slightly, so it gets its own stats epoch.
	protoVersionPrev = 2

	// DigestSize is the content fingerprint length.
	DigestSize = 64
	// ShingleSize is the number of rolling-hash fingerprints attached
	// to a shingle command.
	ShingleSize = 32

	// CmdSize is the wire size of a bare command:
	// version, cmd, shingles_count, pad, flag, value, tag, digest.
	CmdSize = 4 + 4 + 4 + 8 + DigestSize
	// ShingleCmdSize extends CmdSize with 32 64-bit shingle hashes.
	ShingleCmdSize = CmdSize + ShingleSize*8
	// LegacyCmdSize is the fixed size of the pre-epoch8 command:
	// blocksize, value, flag, cmd + pad, hash.
	LegacyCmdSize = 4 + 4 + 4 + 4 + DigestSize
	// ReplySize is the binary reply: value, flag, prob, tag.
	ReplySize = 4 + 4 + 4 + 8
)

// Cmd is a decoded fuzzy command.
type Cmd struct {
	Version       uint8
	Cmd           uint8
	ShinglesCount uint8
	Flag          int32
	Value         int32
	Tag           uint64
	Digest        [DigestSize]byte
	Shingles      [ShingleSize]uint64

	Legacy bool
	Epoch  Epoch

	// Source labels the update origin for per-source counters; it
	// never crosses the wire.
	Source string
}

// Reply is the fuzzy reply. Value carries the hit weight or an
// HTTP-like error code; Prob is in [0,1].
type Reply struct {
	Value int32
	Flag  int32
	Prob  float32
	Tag   uint64
}

// DecodeCmd classifies a datagram by size and decodes it. Oversize,
// undersize or version-mismatched packets yield an error; the server
// drops them with a debug log.
func DecodeCmd(buf []byte) (*Cmd, error) {
	switch len(buf) {
	case LegacyCmdSize:
		// legacy layout: blocksize(4) value(4) flag(4) cmd(1)+pad(3) hash(64)
		c := &Cmd{
			Version: protoVersionPrev,
			Legacy:  true,
			Epoch:   EpochLegacy,
			Cmd:     buf[12],
		}
		c.Value = int32(binary.LittleEndian.Uint32(buf[4:]))
		c.Flag = int32(binary.LittleEndian.Uint32(buf[8:]))
		copy(c.Digest[:], buf[16:])
		if c.Cmd > OpDelete {
			return nil, fmt.Errorf("unknown legacy fuzzy opcode %d", c.Cmd)
		}
		return c, nil

	case CmdSize, ShingleCmdSize:
		c := &Cmd{
			Version:       buf[0],
			Cmd:           buf[1],
			ShinglesCount: buf[2],
		}
		c.Flag = int32(binary.LittleEndian.Uint32(buf[4:]))
		c.Value = int32(binary.LittleEndian.Uint32(buf[8:]))
		c.Tag = binary.LittleEndian.Uint64(buf[12:])
		copy(c.Digest[:], buf[20:20+DigestSize])

		switch c.Version {
		case ProtoVersion:
			c.Epoch = Epoch9
		case protoVersionPrev:
			c.Epoch = Epoch8
		default:
			return nil, fmt.Errorf("unsupported fuzzy command version %d", c.Version)
		}

		if c.Cmd > OpDelete {
			return nil, fmt.Errorf("unknown fuzzy opcode %d", c.Cmd)
		}

		if (c.ShinglesCount > 0) != (len(buf) == ShingleCmdSize) || c.ShinglesCount > ShingleSize {
			return nil, fmt.Errorf("bad shingles count %d for size %d", c.ShinglesCount, len(buf))
		}
		if c.ShinglesCount > 0 {
			for i := range ShingleSize {
				c.Shingles[i] = binary.LittleEndian.Uint64(buf[CmdSize+i*8:])
			}
		}

		return c, nil
	}

	return nil, fmt.Errorf("invalid fuzzy command of size %d", len(buf))
}

// Encode serializes c for sending to a storage server.
func (c *Cmd) Encode() []byte {
	size := CmdSize
	if c.ShinglesCount > 0 {
		size = ShingleCmdSize
	}

	buf := make([]byte, size)
	buf[0] = c.Version
	buf[1] = c.Cmd
	buf[2] = c.ShinglesCount
	binary.LittleEndian.PutUint32(buf[4:], uint32(c.Flag))
	binary.LittleEndian.PutUint32(buf[8:], uint32(c.Value))
	binary.LittleEndian.PutUint64(buf[12:], c.Tag)
	copy(buf[20:], c.Digest[:])

	if c.ShinglesCount > 0 {
		for i := range ShingleSize {
			binary.LittleEndian.PutUint64(buf[CmdSize+i*8:], c.Shingles[i])
		}
	}

	return buf
}

// Encode serializes the binary reply.
func (r *Reply) Encode() []byte {
	buf := make([]byte, ReplySize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(r.Value))
	binary.LittleEndian.PutUint32(buf[4:], uint32(r.Flag))
	binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(r.Prob))
	binary.LittleEndian.PutUint64(buf[12:], r.Tag)
	return buf
}

// DecodeReply parses a binary reply.
func DecodeReply(buf []byte) (*Reply, error) {
	if len(buf) != ReplySize {
		return nil, fmt.Errorf("invalid fuzzy reply of size %d", len(buf))
	}

	return &Reply{
		Value: int32(binary.LittleEndian.Uint32(buf[0:])),
		Flag:  int32(binary.LittleEndian.Uint32(buf[4:])),
		Prob:  math.Float32frombits(binary.LittleEndian.Uint32(buf[8:])),
		Tag:   binary.LittleEndian.Uint64(buf[12:]),
	}, nil
}
