package htt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/romshark/wlanrx/httmsg"
	"github.com/romshark/wlanrx/rxstat"
)

// Indications is where a ring's rx indication messages come from.
type Indications interface {
	// Next blocks until a message arrives. io.EOF means no more will.
	Next(ctx context.Context) ([]byte, error)
}

// IndicationChan is an Indications fed by a channel. Closing the channel
// ends the stream.
type IndicationChan <-chan []byte

func (c IndicationChan) Next(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-c:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Queue binds a ring to its indication stream.
type Queue struct {
	Rx          *Rx
	Indications Indications
}

// Delivery is one popped frame.
type Delivery struct {
	Rx    *Rx
	Frame Frame
	// Status is the MPDU range status. In-order and fragment indications
	// carry none and report httmsg.StatusOK.
	Status uint8
	PeerID uint16
	TID    uint8
	Frag   bool
	// Offload is set for MSDUs of an offload deliver indication; Frame
	// then holds exactly that MSDU.
	Offload *OffloadMSDU
}

// RunProcessor runs one worker per queue, each locked to its own OS
// thread. A worker reads indications, pops their frames, hands each
// frame to deliver and replenishes the ring once the indication is
// consumed. Ownership of delivered buffers passes to deliver.
//
// RunProcessor returns when all indication streams have ended, when ctx
// is canceled (returning ctx.Err()), or on the first error from any
// worker, which stops the others. Errors wrapping ErrFatal come from the
// ring itself.
func RunProcessor(
	ctx context.Context,
	queues []Queue,
	deliver func(Delivery) error,
) error {
	if len(queues) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, q := range queues {
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			for {
				msg, err := q.Indications.Next(ctx)
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				if err := q.process(msg, deliver); err != nil {
					return fmt.Errorf("ring %s: %w", q.Rx.Name(), err)
				}
			}
		})
	}
	return g.Wait()
}

func (q Queue) process(raw []byte, deliver func(Delivery) error) error {
	rx := q.Rx
	msg, err := httmsg.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing indication: %w", err)
	}
	defer rx.Replenish()

	emit := func(d Delivery, err error) error {
		if err != nil {
			// Release what a fatal pop still handed back.
			freeFrame(rx, d.Frame)
			return err
		}
		if d.Frame.Head == nil {
			return nil
		}
		d.Rx = rx
		return deliver(d)
	}

	switch m := msg.(type) {
	case *httmsg.RxInd:
		for _, r := range m.Ranges() {
			for range r.Count {
				f, err := rx.PopFrame(m)
				d := Delivery{Frame: f, Status: r.Status, PeerID: m.PeerID(), TID: m.ExtTID()}
				if err := emit(d, err); err != nil {
					return err
				}
			}
		}
	case *httmsg.FragInd:
		f, err := rx.PopFrame(m)
		d := Delivery{Frame: f, Status: httmsg.StatusOK, PeerID: m.PeerID(), TID: m.ExtTID(), Frag: true}
		return emit(d, err)
	case *httmsg.InOrdPaddrInd:
		f, err := rx.PopFrame(m)
		d := Delivery{Frame: f, Status: httmsg.StatusOK, PeerID: m.PeerID(), TID: m.ExtTID(), Frag: m.Frag()}
		return emit(d, err)
	case *httmsg.OffloadDeliverInd:
		rx.Stats().Inc(rxstat.OffloadInds)
		for range m.MSDUCount() {
			o, err := rx.PopOffloadMSDU()
			if err != nil {
				return err
			}
			d := Delivery{
				Frame:   Frame{Head: o.Buf, Tail: o.Buf},
				Status:  httmsg.StatusOK,
				PeerID:  o.PeerID,
				TID:     o.TID,
				Offload: &o,
			}
			if err := emit(d, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func freeFrame(rx *Rx, f Frame) {
	if f.Head == nil {
		return
	}
	for b := range f.Head.Chain() {
		rx.pool.Free(b)
		if b == f.Tail {
			return
		}
	}
}
