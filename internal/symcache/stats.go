// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package symcache

import (
	"math"
	"sync/atomic"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

// itemStats accumulates per-symbol call statistics. record runs on the
// worker loop; the refresh job reads the counters from its own
// goroutine, hence the atomics.
type itemStats struct {
	hits     atomic.Uint64
	sumTime  atomic.Uint64 // nanoseconds
	sumTime2 atomic.Uint64 // microseconds squared, to stay in range

	windowHits atomic.Uint64

	// Moving frequency statistics maintained by the refresh job.
	freqMean   float64
	freqStddev float64
	freqCount  uint64
}

func (st *itemStats) record(d time.Duration) {
	st.hits.Add(1)
	st.windowHits.Add(1)
	st.sumTime.Add(uint64(d.Nanoseconds()))
	us := uint64(d.Microseconds())
	st.sumTime2.Add(us * us)
}

// Snapshot is the exported view of one symbol's statistics.
type Snapshot struct {
	Name      string
	Hits      uint64
	Frequency float64
	AvgTime   time.Duration
	StdTime   time.Duration
}

// PeakCallback is invoked when a symbol's observed frequency moves more
// than two standard deviations away from its moving mean.
type PeakCallback func(symbol string, frequency, mean, stddev float64)

// SetPeakCallback installs the frequency peak hook.
func (c *Cache) SetPeakCallback(cb PeakCallback) { c.peakCb = cb }

// RefreshStats folds the per-window hit counters into the moving
// frequency statistics and fires the peak callback on outliers. Run it
// periodically with the configured refresh period.
func (c *Cache) RefreshStats(period time.Duration) {
	if period <= 0 {
		return
	}

	for _, item := range c.items {
		hits := item.stats.windowHits.Swap(0)
		freq := float64(hits) / period.Seconds()

		st := &item.stats
		if st.freqCount > 2 && st.freqStddev > 0 &&
			math.Abs(freq-st.freqMean) > 2*st.freqStddev {
			cclog.Infof("symbol %s frequency peak: %.2f/s (mean %.2f, stddev %.2f)",
				item.Name, freq, st.freqMean, st.freqStddev)
			if c.peakCb != nil {
				c.peakCb(item.Name, freq, st.freqMean, st.freqStddev)
			}
		}

		// Welford over refresh windows
		st.freqCount++
		delta := freq - st.freqMean
		st.freqMean += delta / float64(st.freqCount)
		variance := st.freqStddev*st.freqStddev +
			(delta*(freq-st.freqMean)-st.freqStddev*st.freqStddev)/float64(st.freqCount)
		if variance > 0 {
			st.freqStddev = math.Sqrt(variance)
		}
	}
}

// Stats returns a snapshot per registered symbol.
func (c *Cache) Stats() []Snapshot {
	out := make([]Snapshot, 0, len(c.items))

	for _, item := range c.items {
		hits := item.stats.hits.Load()
		snap := Snapshot{
			Name:      item.Name,
			Hits:      hits,
			Frequency: item.stats.freqMean,
		}
		if hits > 0 {
			sum := time.Duration(item.stats.sumTime.Load())
			snap.AvgTime = sum / time.Duration(hits)

			mean := float64(item.stats.sumTime.Load()) / float64(hits) / 1e3 // us
			meanSq := float64(item.stats.sumTime2.Load()) / float64(hits)
			if v := meanSq - mean*mean; v > 0 {
				snap.StdTime = time.Duration(math.Sqrt(v)) * time.Microsecond
			}
		}
		out = append(out, snap)
	}

	return out
}
