package capture

import (
	"context"
	"errors"
)

var (
	// ErrCaptureUnavailable indicates that a capture source could not start,
	// e.g. missing privileges or a missing interface. Fatal at startup.
	ErrCaptureUnavailable = errors.New("capture source unavailable")

	// ErrSourceStopped indicates Start was called on a stopped source.
	// Sources are not restartable.
	ErrSourceStopped = errors.New("capture source has been stopped")
)

const (
	ProtocolTCP   = "TCP"
	ProtocolUDP   = "UDP"
	ProtocolICMP  = "ICMP"
	ProtocolOther = "OTHER"

	ModeDevice  = "device"
	ModeNetwork = "network"
)

// RawFlags bits for TCP connection state.
const (
	FlagEstablished uint32 = 0x01
	FlagSynSent     uint32 = 0x02
	FlagSynRecv     uint32 = 0x04
	FlagTimeWait    uint32 = 0x08
	FlagCloseWait   uint32 = 0x10
	FlagListen      uint32 = 0x20
)

// Record is one observed connection event. Produced by a capture source,
// consumed exactly once by the enrichment pipeline.
type Record struct {
	Timestamp float64 `json:"timestamp"` // unix epoch seconds
	SrcIP     string  `json:"src_ip"`
	DstIP     string  `json:"dst_ip"`
	SrcPort   int     `json:"src_port"`
	DstPort   int     `json:"dst_port"`
	Protocol  string  `json:"protocol"`
	SrcMAC    string  `json:"src_mac,omitempty"` // empty in device mode
	DstMAC    string  `json:"dst_mac,omitempty"`
	Mode      string  `json:"mode"`
	RawFlags  uint32  `json:"raw_flags"` // protocol-specific flag bits, used as scorer features
}

// Valid reports whether a record may enter the pipeline.
// Records without a destination IP are dropped at ingress.
func (r *Record) Valid() bool {
	return r.DstIP != "" &&
		r.SrcPort >= 0 && r.SrcPort <= 65535 &&
		r.DstPort >= 0 && r.DstPort <= 65535
}

// Source is a lazy, finite-or-infinite, non-restartable sequence of Records.
//
// Start yields the record channel; the source closes it when the sequence
// ends or the context is cancelled. Stop releases resources and terminates
// the sequence deterministically. Records arrive roughly monotonically in
// real time; consumers tolerate up to ~2s of reordering.
type Source interface {
	Start(ctx context.Context) (<-chan Record, error)
	Stop() error
}
