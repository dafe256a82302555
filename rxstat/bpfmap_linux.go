//go:build linux

package rxstat

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
)

// MapExporter mirrors counters into a BPF array map indexed by Counter,
// so they can be read with bpftool or by other BPF programs.
type MapExporter struct {
	m      *ebpf.Map
	pinned bool
}

// NewMapExporter creates the map. If pinPath is not empty the map is
// pinned there.
func NewMapExporter(pinPath string) (*MapExporter, error) {
	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "wlanrx_stats",
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: uint32(NumCounters),
	})
	if err != nil {
		return nil, fmt.Errorf("creating stats map: %w", err)
	}
	e := &MapExporter{m: m}
	if pinPath != "" {
		if err := m.Pin(pinPath); err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("pinning stats map at %s: %w", pinPath, err)
		}
		e.pinned = true
	}
	return e, nil
}

// Export writes every counter of rs into the map.
func (e *MapExporter) Export(rs RingStats) error {
	for ctr := range NumCounters {
		if err := e.m.Update(uint32(ctr), rs[ctr], ebpf.UpdateAny); err != nil {
			return fmt.Errorf("updating %s: %w", ctr, err)
		}
	}
	return nil
}

func (e *MapExporter) Lookup(ctr Counter) (uint64, error) {
	var v uint64
	if err := e.m.Lookup(uint32(ctr), &v); err != nil {
		return 0, fmt.Errorf("looking up %s: %w", ctr, err)
	}
	return v, nil
}

func (e *MapExporter) Close() error {
	var errs []error
	if e.pinned {
		errs = append(errs, e.m.Unpin())
	}
	errs = append(errs, e.m.Close())
	return errors.Join(errs...)
}
