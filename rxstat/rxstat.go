// Package rxstat counts what happens on the receive path.
package rxstat

import (
	"fmt"
	"io"
	"slices"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

type Counter int

const (
	Posted Counter = iota
	RefillNoMem
	RefillRetries
	Frames
	MSDUs
	Bytes
	ChainedMSDUs
	MICErrors
	FwDescUnderrun
	DoneBitRetries
	ZeroLenErratum
	OffloadInds
	OffloadMSDUs
	Restitched
	RestitchFailures

	NumCounters
)

func (c Counter) String() string {
	switch c {
	case Posted:
		return "rx_bufs_posted"
	case RefillNoMem:
		return "rx_refill_nomem"
	case RefillRetries:
		return "rx_refill_retries"
	case Frames:
		return "rx_frames"
	case MSDUs:
		return "rx_msdus"
	case Bytes:
		return "rx_bytes"
	case ChainedMSDUs:
		return "rx_msdus_chained"
	case MICErrors:
		return "rx_mic_errors"
	case FwDescUnderrun:
		return "rx_fw_desc_underrun"
	case DoneBitRetries:
		return "rx_done_bit_retries"
	case ZeroLenErratum:
		return "rx_zero_len_erratum"
	case OffloadInds:
		return "rx_offload_inds"
	case OffloadMSDUs:
		return "rx_offload_msdus"
	case Restitched:
		return "mon_restitched"
	case RestitchFailures:
		return "mon_restitch_failures"
	}
	return ""
}

// Counters is one ring's set of counters. It is safe for concurrent use.
// A nil *Counters discards all updates.
type Counters struct {
	v [NumCounters]atomic.Uint64
}

func (c *Counters) Add(ctr Counter, n uint64) {
	if c == nil {
		return
	}
	c.v[ctr].Add(n)
}

func (c *Counters) Inc(ctr Counter) { c.Add(ctr, 1) }

func (c *Counters) Load(ctr Counter) uint64 {
	if c == nil {
		return 0
	}
	return c.v[ctr].Load()
}

// Values returns a copy of all counters.
func (c *Counters) Values() RingStats {
	s := make(RingStats, NumCounters)
	for ctr := range NumCounters {
		s[ctr] = c.Load(ctr)
	}
	return s
}

// Per-ring values.
type RingStats map[Counter]uint64

// Multi-ring stats.
type Stats map[string]RingStats

// Snapshot reads the counters of every named ring.
func Snapshot(rings map[string]*Counters) Stats {
	s := make(Stats, len(rings))
	for name, c := range rings {
		s[name] = c.Values()
	}
	return s
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for ring, now := range s {
		prev := old[ring]
		diff := make(RingStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[ring] = diff
	}
	return out
}

// Total sums every ring.
func (s Stats) Total() RingStats {
	out := make(RingStats, NumCounters)
	for _, rs := range s {
		for ctr, v := range rs {
			out[ctr] += v
		}
	}
	return out
}

func Print(w io.Writer, s Stats) error {
	rings := make([]string, 0, len(s))
	for ring := range s {
		rings = append(rings, ring)
	}
	slices.Sort(rings)

	for _, ring := range rings {
		stats := s[ring]

		if _, err := fmt.Fprintf(w, "%s:\n", ring); err != nil {
			return err
		}
		fmt.Fprintf(w, "  RX   %-12s frames  %-12s msdus  ≈ %-8s (%s)\n",
			humanize.Comma(int64(stats[Frames])),
			humanize.Comma(int64(stats[MSDUs])),
			humanize.Bytes(stats[Bytes]),
			humanize.Comma(int64(stats[Bytes])),
		)
		for ctr := range NumCounters {
			switch ctr {
			case Frames, MSDUs, Bytes:
				continue
			}
			if v := stats[ctr]; v != 0 {
				fmt.Fprintf(w, "  %-24s %s\n", ctr, humanize.Comma(int64(v)))
			}
		}
	}
	return nil
}
