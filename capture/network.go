package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/cobaltsec/cobaltgraph/util"
)

// PacketProvider is the platform-specific promiscuous capture collaborator.
// The core fixes only the record schema a provider must produce; opening raw
// sockets, BPF programs and the like live behind this interface.
type PacketProvider interface {
	// Packets opens the interface and yields one record per packet-derived
	// connection event, with MAC addresses populated.
	Packets(ctx context.Context, iface string) (<-chan Record, error)
	Close() error
}

// NetworkSource adapts a PacketProvider to the Source contract and
// normalizes the records it produces.
type NetworkSource struct {
	iface    string
	provider PacketProvider
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewNetworkSource wires a packet provider to an interface name. A nil
// provider means the platform has no promiscuous capture support and the
// source fails at Start with ErrCaptureUnavailable.
func NewNetworkSource(iface string, provider PacketProvider) *NetworkSource {
	return &NetworkSource{
		iface:    iface,
		provider: provider,
		stopped:  make(chan struct{}),
	}
}

func (s *NetworkSource) Start(ctx context.Context) (<-chan Record, error) {
	select {
	case <-s.stopped:
		return nil, ErrSourceStopped
	default:
	}

	if s.provider == nil {
		return nil, fmt.Errorf("%w: no packet provider for this platform", ErrCaptureUnavailable)
	}
	if s.iface == "" {
		return nil, fmt.Errorf("%w: no capture interface configured", ErrCaptureUnavailable)
	}

	raw, err := s.provider.Packets(ctx, s.iface)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
	}

	out := make(chan Record)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopped:
				return
			case rec, ok := <-raw:
				if !ok {
					return
				}
				rec.Mode = ModeNetwork
				rec.SrcIP = util.CanonicalIP(rec.SrcIP)
				rec.DstIP = util.CanonicalIP(rec.DstIP)
				rec.SrcMAC = util.CanonicalMAC(rec.SrcMAC)
				rec.DstMAC = util.CanonicalMAC(rec.DstMAC)
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				case <-s.stopped:
					return
				}
			}
		}
	}()
	return out, nil
}

// Stop closes the provider and terminates the sequence. Safe to call more
// than once.
func (s *NetworkSource) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopped)
		if s.provider != nil {
			err = s.provider.Close()
		}
	})
	return err
}
