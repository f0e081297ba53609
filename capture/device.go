package capture

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	zlog "github.com/cobaltsec/cobaltgraph/logger"
	"github.com/cobaltsec/cobaltgraph/util"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// dedupWindow suppresses re-emission of a 5-tuple observed within this window.
const dedupWindow = 30 * time.Second

// connLister abstracts gopsutil's socket table read so tests can inject
// synthetic connection states.
type connLister func(ctx context.Context) ([]psnet.ConnectionStat, error)

// DeviceSource polls the host socket table on a fixed tick and emits one
// record per newly observed (src_ip, src_port, dst_ip, dst_port, protocol)
// 5-tuple. Requires no privileges. MAC addresses are not visible at this
// layer and are left empty.
type DeviceSource struct {
	tick     time.Duration
	list     connLister
	seen     map[fiveTuple]time.Time
	stopOnce sync.Once
	stopped  chan struct{}
}

type fiveTuple struct {
	srcIP    string
	srcPort  int
	dstIP    string
	dstPort  int
	protocol string
}

// NewDeviceSource returns a device-mode capture source with the given
// polling interval.
func NewDeviceSource(tick time.Duration) *DeviceSource {
	return &DeviceSource{
		tick: tick,
		list: func(ctx context.Context) ([]psnet.ConnectionStat, error) {
			return psnet.ConnectionsWithContext(ctx, "inet")
		},
		seen:    make(map[fiveTuple]time.Time),
		stopped: make(chan struct{}),
	}
}

// Start begins polling and returns the record channel. The channel is closed
// when the context is cancelled or Stop is called.
func (s *DeviceSource) Start(ctx context.Context) (<-chan Record, error) {
	select {
	case <-s.stopped:
		return nil, ErrSourceStopped
	default:
	}

	// probe once up front so privilege or platform problems surface as a
	// startup error instead of an empty stream
	if _, err := s.list(ctx); err != nil {
		return nil, fmt.Errorf("%w: cannot read socket table: %w", ErrCaptureUnavailable, err)
	}

	out := make(chan Record)
	go s.run(ctx, out)
	return out, nil
}

// Stop terminates the sequence. Safe to call more than once.
func (s *DeviceSource) Stop() error {
	s.stopOnce.Do(func() { close(s.stopped) })
	return nil
}

func (s *DeviceSource) run(ctx context.Context, out chan<- Record) {
	logger := zlog.GetLogger()
	defer close(out)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		case now := <-ticker.C:
			conns, err := s.list(ctx)
			if err != nil {
				// transient read failures are logged and retried next tick
				logger.Warn().Err(err).Msg("failed to read socket table")
				continue
			}
			for _, rec := range s.diff(conns, now) {
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				case <-s.stopped:
					return
				}
			}
		}
	}
}

// diff returns records for 5-tuples not seen within the dedup window and
// prunes expired entries from the seen map.
func (s *DeviceSource) diff(conns []psnet.ConnectionStat, now time.Time) []Record {
	var fresh []Record

	for _, conn := range conns {
		// sockets without a remote endpoint (listeners) carry no signal
		if conn.Raddr.IP == "" || conn.Raddr.IP == "0.0.0.0" || conn.Raddr.IP == "::" {
			continue
		}

		dstIP := util.CanonicalIP(conn.Raddr.IP)
		if dstIP == "" {
			continue
		}

		tuple := fiveTuple{
			srcIP:    util.CanonicalIP(conn.Laddr.IP),
			srcPort:  int(conn.Laddr.Port),
			dstIP:    dstIP,
			dstPort:  int(conn.Raddr.Port),
			protocol: socketProtocol(conn.Type),
		}

		if last, ok := s.seen[tuple]; ok && now.Sub(last) < dedupWindow {
			continue
		}
		s.seen[tuple] = now

		fresh = append(fresh, Record{
			Timestamp: float64(now.UnixNano()) / 1e9,
			SrcIP:     tuple.srcIP,
			DstIP:     tuple.dstIP,
			SrcPort:   tuple.srcPort,
			DstPort:   tuple.dstPort,
			Protocol:  tuple.protocol,
			Mode:      ModeDevice,
			RawFlags:  statusFlags(conn.Status),
		})
	}

	// prune tuples that fell out of the window so the map stays bounded
	for tuple, last := range s.seen {
		if now.Sub(last) >= dedupWindow {
			delete(s.seen, tuple)
		}
	}

	return fresh
}

func socketProtocol(sockType uint32) string {
	switch sockType {
	case syscall.SOCK_STREAM:
		return ProtocolTCP
	case syscall.SOCK_DGRAM:
		return ProtocolUDP
	case syscall.SOCK_RAW:
		return ProtocolICMP
	default:
		return ProtocolOther
	}
}

// statusFlags maps a TCP state string to a small feature bitmask so scorers
// can distinguish established traffic from half-open scans.
func statusFlags(status string) uint32 {
	switch status {
	case "ESTABLISHED":
		return FlagEstablished
	case "SYN_SENT":
		return FlagSynSent
	case "SYN_RECV":
		return FlagSynRecv
	case "TIME_WAIT":
		return FlagTimeWait
	case "CLOSE_WAIT":
		return FlagCloseWait
	case "LISTEN":
		return FlagListen
	default:
		return 0
	}
}
