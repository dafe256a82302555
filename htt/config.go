package htt

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/romshark/wlanrx/rxdesc"
	"github.com/romshark/wlanrx/rxstat"
)

const (
	// DefaultBufSize is the size of every rx ring buffer.
	DefaultBufSize = 1920
	// DefaultRetryDelay is the refill retry delay after an allocation failure.
	DefaultRetryDelay = 50 * time.Millisecond
	// DefaultDoneBitRetries bounds the wait for a late descriptor.
	DefaultDoneBitRetries = 5
	DefaultDoneBitDelay   = time.Millisecond

	// ZeroLenErratumLen is the MSDU length above which a reported length is
	// a zero-length PHY error artifact rather than a real length.
	ZeroLenErratumLen = 0x3000
)

var (
	ErrBufSizeTooSmall     = errors.New("htt: buffer size must exceed the rx descriptor size")
	ErrNegativeDoneRetries = errors.New("htt: negative done bit retry count")
	ErrNoPool              = errors.New("htt: no buffer pool")
)

// Timer is a single-shot delayed callback, as returned by time.AfterFunc.
type Timer interface {
	Reset(d time.Duration) bool
	Stop() bool
}

// Config is read once at Attach.
type Config struct {
	// Name identifies the ring in logs and statistics.
	Name string

	// MaxThroughputMbps sizes the ring and its fill level.
	MaxThroughputMbps uint32

	// FullReorderOffload selects in-order mode: the device reorders
	// frames and returns buffers by physical address.
	FullReorderOffload bool

	// BufSize is the size of each rx buffer, descriptor included.
	// Defaults to DefaultBufSize.
	BufSize int

	// Layout is the rx descriptor layout. Defaults to rxdesc.LowLatency.
	Layout *rxdesc.Layout

	// RetryBackOff yields the delay before refilling again after an
	// allocation failure. Defaults to a constant DefaultRetryDelay.
	// backoff.Stop disables the retry.
	RetryBackOff backoff.BackOff

	// DoneBitRetries is how often a descriptor without the done bit is
	// re-read before the ring is declared out of sync.
	DoneBitRetries int
	DoneBitDelay   time.Duration

	// HashCookies enables validity cookies on address hash entries.
	HashCookies bool

	// Log defaults to logrus.StandardLogger().
	Log logrus.FieldLogger

	// Stats receives the ring's counters. A fresh set is used if nil.
	Stats *rxstat.Counters

	// NewTimer creates the refill retry timer. Defaults to a stopped
	// time.AfterFunc timer.
	NewTimer func(fn func()) Timer
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Name == "" {
		c.Name = "rx0"
	}
	if c.Layout == nil {
		c.Layout = rxdesc.LowLatency
	}
	if c.BufSize == 0 {
		c.BufSize = DefaultBufSize
	}
	if c.BufSize <= c.Layout.Size {
		return fmt.Errorf("%w: %d <= %d", ErrBufSizeTooSmall, c.BufSize, c.Layout.Size)
	}
	if c.RetryBackOff == nil {
		c.RetryBackOff = backoff.NewConstantBackOff(DefaultRetryDelay)
	}
	switch {
	case c.DoneBitRetries < 0:
		return ErrNegativeDoneRetries
	case c.DoneBitRetries == 0:
		c.DoneBitRetries = DefaultDoneBitRetries
	}
	if c.DoneBitDelay == 0 {
		c.DoneBitDelay = DefaultDoneBitDelay
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	if c.Stats == nil {
		c.Stats = new(rxstat.Counters)
	}
	if c.NewTimer == nil {
		c.NewTimer = func(fn func()) Timer {
			t := time.AfterFunc(time.Hour, fn)
			t.Stop()
			return t
		}
	}
	return nil
}
