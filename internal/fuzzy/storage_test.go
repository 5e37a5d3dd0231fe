// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fuzzy

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	trustedPeer   = netip.MustParseAddr("127.0.0.1")
	untrustedPeer = netip.MustParseAddr("192.0.2.7")
)

func testStorage(t *testing.T) (*Storage, *MemoryBackend) {
	t.Helper()

	backend := NewMemoryBackend()
	s, err := NewStorage(backend, 48*time.Hour, []string{"127.0.0.1", "10.0.0.0/8"})
	require.NoError(t, err)
	return s, backend
}

func digestOf(b byte) (d [DigestSize]byte) {
	for i := range d {
		d[i] = b
	}
	return d
}

func encodeCmd(op uint8, digest [DigestSize]byte, flag, value int32, tag uint64) []byte {
	c := &Cmd{Version: ProtoVersion, Cmd: op, Digest: digest, Flag: flag, Value: value, Tag: tag}
	return c.Encode()
}

func TestWireRoundTrip(t *testing.T) {
	c := &Cmd{
		Version:       ProtoVersion,
		Cmd:           OpWrite,
		ShinglesCount: ShingleSize,
		Flag:          7,
		Value:         -3,
		Tag:           0xdeadbeef,
		Digest:        digestOf(0x41),
	}
	for i := range ShingleSize {
		c.Shingles[i] = uint64(i) * 7919
	}

	buf := c.Encode()
	assert.Len(t, buf, ShingleCmdSize)

	dec, err := DecodeCmd(buf)
	require.NoError(t, err)
	assert.Equal(t, c.Cmd, dec.Cmd)
	assert.Equal(t, c.Flag, dec.Flag)
	assert.Equal(t, c.Value, dec.Value)
	assert.Equal(t, c.Tag, dec.Tag)
	assert.Equal(t, c.Digest, dec.Digest)
	assert.Equal(t, c.Shingles, dec.Shingles)
	assert.Equal(t, Epoch9, dec.Epoch)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := DecodeCmd(make([]byte, 17))
	assert.Error(t, err)

	// right size, bad version
	buf := make([]byte, CmdSize)
	buf[0] = 99
	_, err = DecodeCmd(buf)
	assert.Error(t, err)

	// shingle size with zero count
	buf = make([]byte, ShingleCmdSize)
	buf[0] = ProtoVersion
	_, err = DecodeCmd(buf)
	assert.Error(t, err)
}

func TestWriteThenCheck(t *testing.T) {
	s, _ := testStorage(t)
	ctx := context.Background()
	d := digestOf(0x01)

	rep, err := DecodeReply(s.ProcessDatagram(ctx, encodeCmd(OpWrite, d, 7, 3, 1), trustedPeer))
	require.NoError(t, err)
	assert.Equal(t, int32(0), rep.Value)
	assert.InDelta(t, 1.0, float64(rep.Prob), 1e-6)

	rep, err = DecodeReply(s.ProcessDatagram(ctx, encodeCmd(OpCheck, d, 0, 0, 2), trustedPeer))
	require.NoError(t, err)
	assert.Equal(t, int32(3), rep.Value)
	assert.Equal(t, int32(7), rep.Flag)
	assert.InDelta(t, 1.0, float64(rep.Prob), 1e-6)
	assert.Equal(t, uint64(2), rep.Tag)
}

func TestDoubleWriteAccumulatesValue(t *testing.T) {
	s, _ := testStorage(t)
	ctx := context.Background()
	d := digestOf(0x02)

	s.ProcessDatagram(ctx, encodeCmd(OpWrite, d, 1, 5, 1), trustedPeer)
	s.ProcessDatagram(ctx, encodeCmd(OpWrite, d, 9, 2, 2), trustedPeer)

	rep, err := DecodeReply(s.ProcessDatagram(ctx, encodeCmd(OpCheck, d, 0, 0, 3), trustedPeer))
	require.NoError(t, err)

	// values accumulate, the flag follows the last write
	assert.Equal(t, int32(7), rep.Value)
	assert.Equal(t, int32(9), rep.Flag)
}

func TestDeleteRoundTrip(t *testing.T) {
	s, _ := testStorage(t)
	ctx := context.Background()
	d := digestOf(0x03)

	s.ProcessDatagram(ctx, encodeCmd(OpWrite, d, 1, 1, 1), trustedPeer)
	rep, err := DecodeReply(s.ProcessDatagram(ctx, encodeCmd(OpDelete, d, 1, 0, 2), trustedPeer))
	require.NoError(t, err)
	assert.Equal(t, int32(0), rep.Value)

	rep, err = DecodeReply(s.ProcessDatagram(ctx, encodeCmd(OpCheck, d, 0, 0, 3), trustedPeer))
	require.NoError(t, err)
	assert.InDelta(t, 0.0, float64(rep.Prob), 1e-6)
}

func TestUnauthorizedWrite(t *testing.T) {
	s, _ := testStorage(t)
	ctx := context.Background()
	d := digestOf(0x04)

	rep, err := DecodeReply(s.ProcessDatagram(ctx, encodeCmd(OpWrite, d, 7, 3, 1), untrustedPeer))
	require.NoError(t, err)
	assert.Equal(t, int32(403), rep.Value)
	assert.InDelta(t, 0.0, float64(rep.Prob), 1e-6)

	rep, err = DecodeReply(s.ProcessDatagram(ctx, encodeCmd(OpCheck, d, 0, 0, 2), untrustedPeer))
	require.NoError(t, err)
	assert.Equal(t, int32(0), rep.Value)
	assert.InDelta(t, 0.0, float64(rep.Prob), 1e-6)
}

func TestShingleVoting(t *testing.T) {
	backend := NewMemoryBackend()
	s, err := NewStorage(backend, 48*time.Hour, []string{"127.0.0.1"})
	require.NoError(t, err)
	ctx := context.Background()

	words := make([]string, 64)
	for i := range words {
		words[i] = string(rune('a'+i%26)) + "word"
	}

	write := &Cmd{
		Version:       ProtoVersion,
		Cmd:           OpWrite,
		Digest:        Digest(words),
		Shingles:      Shingles(words),
		ShinglesCount: ShingleSize,
		Flag:          11,
		Value:         1,
		Tag:           1,
	}
	rep, err := DecodeReply(s.ProcessDatagram(ctx, write.Encode(), trustedPeer))
	require.NoError(t, err)
	require.Equal(t, int32(0), rep.Value)

	// a near-duplicate shares most shingles but has a new digest
	mutated := append([]string{}, words...)
	mutated[0] = "changed"
	check := &Cmd{
		Version:       ProtoVersion,
		Cmd:           OpCheck,
		Digest:        Digest(mutated),
		Shingles:      Shingles(mutated),
		ShinglesCount: ShingleSize,
		Tag:           2,
	}
	require.NotEqual(t, write.Digest, check.Digest)

	rep, err = DecodeReply(s.ProcessDatagram(ctx, check.Encode(), trustedPeer))
	require.NoError(t, err)
	assert.Greater(t, rep.Prob, float32(0.5))
	assert.Equal(t, int32(1), rep.Value)
	assert.Equal(t, int32(11), rep.Flag)

	// an unrelated message misses
	other := make([]string, 64)
	for i := range other {
		other[i] = string(rune('A'+i%26)) + "unrelated"
	}
	miss := &Cmd{
		Version:       ProtoVersion,
		Cmd:           OpCheck,
		Digest:        Digest(other),
		Shingles:      Shingles(other),
		ShinglesCount: ShingleSize,
		Tag:           3,
	}
	rep, err = DecodeReply(s.ProcessDatagram(ctx, miss.Encode(), trustedPeer))
	require.NoError(t, err)
	assert.InDelta(t, 0.0, float64(rep.Prob), 1e-6)
}

func TestSyncExpiresRecords(t *testing.T) {
	backend := NewMemoryBackend()
	now := time.Unix(1700000000, 0)
	backend.now = func() time.Time { return now }

	s, err := NewStorage(backend, time.Hour, []string{"127.0.0.1"})
	require.NoError(t, err)
	ctx := context.Background()

	s.ProcessDatagram(ctx, encodeCmd(OpWrite, digestOf(0x05), 1, 1, 1), trustedPeer)

	now = now.Add(2 * time.Hour)
	require.NoError(t, s.Sync(ctx))
	assert.Equal(t, uint64(1), s.Stats().Expired.Load())

	rep, err := DecodeReply(s.ProcessDatagram(ctx, encodeCmd(OpCheck, digestOf(0x05), 0, 0, 2), trustedPeer))
	require.NoError(t, err)
	assert.InDelta(t, 0.0, float64(rep.Prob), 1e-6)
}

func TestLegacyReply(t *testing.T) {
	s, backend := testStorage(t)
	ctx := context.Background()
	d := digestOf(0x06)

	require.NoError(t, backend.Add(ctx, &Cmd{Digest: d, Flag: 2, Value: 9}, time.Hour))

	// legacy check: blocksize, value, flag, cmd+pad, hash
	buf := make([]byte, LegacyCmdSize)
	copy(buf[16:], d[:])
	assert.Equal(t, "OK 9 2\r\n", string(s.ProcessDatagram(ctx, buf, trustedPeer)))

	// legacy miss
	other := digestOf(0x07)
	buf2 := make([]byte, LegacyCmdSize)
	copy(buf2[16:], other[:])
	assert.Equal(t, "ERR\r\n", string(s.ProcessDatagram(ctx, buf2, trustedPeer)))
}

func TestStatsBuckets(t *testing.T) {
	s, _ := testStorage(t)
	ctx := context.Background()
	d := digestOf(0x08)

	s.ProcessDatagram(ctx, encodeCmd(OpWrite, d, 1, 1, 1), trustedPeer)
	s.ProcessDatagram(ctx, encodeCmd(OpCheck, d, 0, 0, 2), trustedPeer)
	s.ProcessDatagram(ctx, encodeCmd(OpCheck, digestOf(0x09), 0, 0, 3), trustedPeer)

	assert.Equal(t, uint64(2), s.Stats().Checked[Epoch9].Load())
	assert.Equal(t, uint64(1), s.Stats().Found[Epoch9].Load())
	assert.Equal(t, int64(1), s.Stats().Hashes.Load())
}

func TestDigestDeterminism(t *testing.T) {
	words := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	assert.Equal(t, Digest(words), Digest(words))
	assert.Equal(t, Shingles(words), Shingles(words))
	assert.NotEqual(t, Digest(words), Digest(words[1:]))
}
