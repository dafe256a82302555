//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/wlanrx/htt"
	"github.com/romshark/wlanrx/internal/fwsim"
	"github.com/romshark/wlanrx/monitor"
	"github.com/romshark/wlanrx/netbuf"
	"github.com/romshark/wlanrx/ratelimit"
	"github.com/romshark/wlanrx/rxdesc"
	"github.com/romshark/wlanrx/rxstat"
)

type Config struct {
	Rings struct {
		Count              int    `yaml:"count"`
		MaxThroughputMbps  uint32 `yaml:"max-throughput-mbps"`
		FullReorderOffload bool   `yaml:"full-reorder-offload"`
		Layout             string `yaml:"layout"` // low-latency | high-latency
		HashCookies        bool   `yaml:"hash-cookies"`
	} `yaml:"rings"`

	Pool struct {
		Arena  bool   `yaml:"arena"`
		Frames uint32 `yaml:"frames"` // Zero means unlimited for the heap pool.
		Lock   bool   `yaml:"lock"`
	} `yaml:"pool"`

	Traffic struct {
		Count         uint64 `yaml:"count"` // Indications per ring.
		Rate          uint64 `yaml:"rate"`  // Indications per second per ring.
		MPDUs         int    `yaml:"mpdus-per-ind"`
		MSDUs         int    `yaml:"msdus-per-mpdu"`
		MSDUSize      int    `yaml:"msdu-size"`
		MICErrorEvery int    `yaml:"mic-error-every"`
	} `yaml:"traffic"`

	// Monitor restitches every delivered frame and prepends radiotap.
	Monitor bool `yaml:"monitor"`

	Stats struct {
		Interval time.Duration `yaml:"interval"`
		BPFPin   string        `yaml:"bpf-pin"`
	} `yaml:"stats"`

	LogLevel string `yaml:"log-level"`
}

func (c *Config) layout() *rxdesc.Layout {
	if c.Rings.Layout == "high-latency" {
		return rxdesc.HighLatency
	}
	return rxdesc.LowLatency
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "rxsim.yaml", "path to config YAML file")
	fRings := flag.Int("r", 0, "ring count")
	fMbps := flag.Uint("t", 0, "max throughput per ring in Mbps")
	fInOrder := flag.Bool("o", false, "full reorder offload (in-order mode)")
	fCount := flag.Uint64("n", 0, "indications per ring")
	fRate := flag.Uint64("rate", 0, "indications per second per ring")
	fSize := flag.Int("l", 0, "MSDU size")
	fMonitor := flag.Bool("m", false, "restitch frames for monitor delivery")
	fArena := flag.Bool("arena", false, "use the mmap DMA arena")
	fPin := flag.String("pin", "", "pin path for the stats BPF map")
	fLogLevel := flag.String("log", "", "log level")

	flag.Parse()

	b, err := os.ReadFile(*fConfig)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var conf Config
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	// Apply CLI overrides if necessary.
	if *fRings != 0 {
		conf.Rings.Count = *fRings
	}
	if *fMbps != 0 {
		conf.Rings.MaxThroughputMbps = uint32(*fMbps)
	}
	if *fInOrder {
		conf.Rings.FullReorderOffload = true
	}
	if *fCount != 0 {
		conf.Traffic.Count = *fCount
	}
	if *fRate != 0 {
		conf.Traffic.Rate = *fRate
	}
	if *fSize != 0 {
		conf.Traffic.MSDUSize = *fSize
	}
	if *fMonitor {
		conf.Monitor = true
	}
	if *fArena {
		conf.Pool.Arena = true
	}
	if *fPin != "" {
		conf.Stats.BPFPin = *fPin
	}
	if *fLogLevel != "" {
		conf.LogLevel = *fLogLevel
	}

	// Defaults

	if conf.Rings.Count == 0 {
		conf.Rings.Count = 1
	}
	if conf.Rings.Layout == "" {
		conf.Rings.Layout = "low-latency"
	}
	if conf.Traffic.MPDUs == 0 {
		conf.Traffic.MPDUs = 1
	}
	if conf.Traffic.MSDUs == 0 {
		conf.Traffic.MSDUs = 1
	}
	if conf.Stats.Interval == 0 {
		conf.Stats.Interval = time.Second
	}
	if conf.LogLevel == "" {
		conf.LogLevel = "info"
	}

	// Validate

	if conf.Rings.Count < 0 || conf.Rings.Count > 16 {
		return nil, errors.New("rings.count must be between 1-16")
	}
	switch conf.Rings.Layout {
	case "low-latency", "high-latency":
	default:
		return nil, fmt.Errorf("invalid rings.layout %q", conf.Rings.Layout)
	}
	if conf.Traffic.Count == 0 {
		return nil, errors.New("traffic.count must be > 0")
	}
	if conf.Traffic.MPDUs < 1 || conf.Traffic.MSDUs < 1 {
		return nil, errors.New("traffic.mpdus-per-ind and traffic.msdus-per-mpdu must be > 0")
	}
	payloadCap := htt.DefaultBufSize - conf.layout().Size
	if conf.Traffic.MSDUSize < minMSDUSize {
		return nil, fmt.Errorf("traffic.msdu-size must be >= %d", minMSDUSize)
	}
	if conf.Rings.FullReorderOffload && conf.Traffic.MSDUSize > payloadCap {
		return nil, fmt.Errorf("traffic.msdu-size must be <= %d in in-order mode", payloadCap)
	}
	if conf.Traffic.MICErrorEvery < 0 {
		return nil, errors.New("traffic.mic-error-every must be >= 0")
	}
	if _, err := logrus.ParseLevel(conf.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid log-level: %w", err)
	}

	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

// coherentPerRing covers the slots of the largest ring and its index cells.
const coherentPerRing = 16 << 10

// dmaPool is a buffer pool whose memory the simulated device can reach.
type dmaPool interface {
	netbuf.Pool
	netbuf.DeviceMemory
}

type ring struct {
	rx      *htt.Rx
	dev     *fwsim.Device
	traffic *traffic
	ind     chan []byte
	mon     *monitor.Restitcher
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	log := logrus.New()
	log.SetOutput(os.Stderr)
	lvl, _ := logrus.ParseLevel(conf.LogLevel)
	log.SetLevel(lvl)

	var pool dmaPool
	var arena *netbuf.ArenaPool
	if conf.Pool.Arena {
		arena, err = netbuf.NewArenaPool(netbuf.ArenaConfig{
			NumFrames:    conf.Pool.Frames,
			CoherentSize: uint32(conf.Rings.Count) * coherentPerRing,
			Lock:         conf.Pool.Lock,
		})
		fatalIf(err, "creating DMA arena")
		pool = arena
	} else {
		pool = netbuf.NewHeapPool(netbuf.WithLimit(int(conf.Pool.Frames)))
	}

	var exporter *rxstat.MapExporter
	if conf.Stats.BPFPin != "" {
		exporter, err = rxstat.NewMapExporter(conf.Stats.BPFPin)
		fatalIf(err, "creating stats map")
	}

	counters := make(map[string]*rxstat.Counters, conf.Rings.Count)
	rings := make([]*ring, conf.Rings.Count)
	for i := range rings {
		name := fmt.Sprintf("rx%d", i)
		counters[name] = new(rxstat.Counters)
		rx, err := htt.Attach(htt.Config{
			Name:               name,
			MaxThroughputMbps:  conf.Rings.MaxThroughputMbps,
			FullReorderOffload: conf.Rings.FullReorderOffload,
			Layout:             conf.layout(),
			HashCookies:        conf.Rings.HashCookies,
			Log:                log,
			Stats:              counters[name],
		}, htt.Deps{
			Pool: pool,
			MICError: func(tid uint8, peerID uint16, _ rxdesc.Desc, b *netbuf.Buf) {
				log.WithFields(logrus.Fields{
					"ring":    name,
					"tid":     tid,
					"peer_id": peerID,
					"len":     b.Len(),
				}).Debug("MIC failure")
			},
		})
		fatalIf(err, "attaching ring %s", name)

		dev := fwsim.New(pool, rx.Ring(), fwsim.Config{
			Layout:  conf.layout(),
			InOrder: conf.Rings.FullReorderOffload,
			Log:     log,
		})
		r := &ring{
			rx:      rx,
			dev:     dev,
			traffic: newTraffic(conf, dev, uint16(i+1)),
			ind:     make(chan []byte, 64),
		}
		if need := r.traffic.buffers(); need > rx.FillLevel() {
			fatalIf(fmt.Errorf("indication needs %d buffers, fill level is %d", need, rx.FillLevel()),
				"ring %s", name)
		}
		if conf.Monitor {
			r.mon, err = monitor.New(monitor.Config{
				Pool:   pool,
				Layout: conf.layout(),
				Log:    log,
				Stats:  counters[name],
			})
			fatalIf(err, "creating restitcher")
		}
		rings[i] = r
		fmt.Fprintf(os.Stderr, "RX ring %s: size %d, fill level %d (in-order=%t)\n",
			name, rx.Ring().Size(), rx.FillLevel(), rx.InOrder())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var produced atomic.Uint64
	byName := make(map[string]*ring, len(rings))
	queues := make([]htt.Queue, len(rings))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range rings {
		byName[r.rx.Name()] = r
		queues[i] = htt.Queue{Rx: r.rx, Indications: htt.IndicationChan(r.ind)}
		th := ratelimit.New(conf.Traffic.Rate)
		g.Go(func() error {
			return produce(gctx, r, th, conf.Traffic.Count, &produced)
		})
	}

	deliver := func(d htt.Delivery) error {
		if d.Offload != nil {
			pool.Free(d.Offload.Buf)
			return nil
		}
		mon := byName[d.Rx.Name()].mon
		if mon == nil {
			netbuf.FreeChain(pool, d.Frame.Head)
			return nil
		}
		var rs monitor.RxStatus
		mpdu, err := mon.Restitch(d.Frame.Head, &rs, true)
		if err != nil {
			// Counted by the restitcher, the chain is gone.
			return nil
		}
		if err := monitor.PrependRadioTap(mpdu, &rs); err != nil {
			log.WithError(err).Debug("prepending radiotap header")
		}
		monitor.Free(pool, mpdu)
		return nil
	}

	start := time.Now()
	g.Go(func() error {
		return htt.RunProcessor(gctx, queues, deliver)
	})

	statsDone := make(chan struct{})
	go func() {
		defer close(statsDone)
		t := time.NewTicker(conf.Stats.Interval)
		defer t.Stop()

		last := rxstat.Snapshot(counters)
		lastTime := time.Now()
		for {
			select {
			case <-gctx.Done():
				return
			case <-t.C:
			}
			now := time.Now()
			dt := now.Sub(lastTime).Seconds()
			lastTime = now

			snap := rxstat.Snapshot(counters)
			d := snap.Since(last).Total()
			last = snap

			fill := 0
			for _, r := range rings {
				fill += r.rx.FillCount()
			}
			fmt.Printf(
				"IND=%d FRAMES=%d MSDU-PPS=%d Mbps=%.1f FILL=%d NOMEM=%d\n",
				produced.Load(),
				snap.Total()[rxstat.Frames],
				uint64(float64(d[rxstat.MSDUs])/dt),
				float64(d[rxstat.Bytes]*8)/1e6/dt,
				fill,
				d[rxstat.RefillNoMem],
			)
			if exporter != nil {
				if err := exporter.Export(snap.Total()); err != nil {
					log.WithError(err).Warn("exporting stats")
				}
			}
		}
	}()

	err = g.Wait()
	elapsed := time.Since(start).Seconds()
	cancel()
	<-statsDone
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "processing stopped: %v\n", err)
	}

	final := rxstat.Snapshot(counters)
	var errs []error
	for _, r := range rings {
		errs = append(errs, r.rx.Detach())
	}
	if exporter != nil {
		errs = append(errs, exporter.Export(final.Total()), exporter.Close())
	}
	if arena != nil {
		errs = append(errs, arena.Close())
	}
	fatalIf(errors.Join(errs...), "tearing down")

	fmt.Println()
	_ = rxstat.Print(os.Stdout, final)

	tot := final.Total()
	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" Rings:             %d\n", len(rings))
	p.Printf(" Indications:       %d\n", produced.Load())
	p.Printf(" Frames:            %d\n", tot[rxstat.Frames])
	p.Printf(" MSDUs:             %d\n", tot[rxstat.MSDUs])
	p.Printf(" Avg MSDU PPS:      %d\n", uint64(float64(tot[rxstat.MSDUs])/elapsed))
	p.Printf(" Avg rate:          %.1f Mbps\n", float64(tot[rxstat.Bytes]*8)/1e6/elapsed)
	p.Printf(" MIC errors:        %d\n", tot[rxstat.MICErrors])
	p.Printf(" Refill no-mem:     %d\n", tot[rxstat.RefillNoMem])
	if conf.Monitor {
		p.Printf(" Restitched:        %d (%d failed)\n",
			tot[rxstat.Restitched], tot[rxstat.RestitchFailures])
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		os.Exit(1)
	}
}
