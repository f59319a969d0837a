package main

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/pion/rtp"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/cwsl/ccsds_downlink/ccsds/pipeline"
)

// maxErasureFill bounds how many lost RTP packets are replaced by erasures.
// Longer outages are left for the deframer to resynchronise across.
const maxErasureFill = 16

// seqTracker follows the 16-bit RTP sequence number
type seqTracker struct {
	started bool
	next    uint16
}

// observe classifies seq. It returns how many packets went missing before it
// and whether the packet is in order; late or duplicate packets are not.
func (t *seqTracker) observe(seq uint16) (lost int, inOrder bool) {
	if !t.started {
		t.started = true
		t.next = seq + 1
		return 0, true
	}
	gap := seq - t.next
	if gap >= 0x8000 {
		return 0, false
	}
	t.next = seq + 1
	return int(gap), true
}

// RTPReceiver joins a multicast group and feeds RTP payloads into the
// pipeline as soft symbols
type RTPReceiver struct {
	group       *net.UDPAddr
	iface       *net.Interface
	payloadType uint8
	format      SymbolFormat
	metrics     *PrometheusMetrics
	logger      *log.Logger

	symbols atomic.Uint64
	packets atomic.Uint64
	lost    atomic.Uint64
	ignored atomic.Uint64
}

func NewRTPReceiver(cfg InputConfig, metrics *PrometheusMetrics, logger *log.Logger) (*RTPReceiver, error) {
	format, err := ParseSymbolFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	group, err := net.ResolveUDPAddr("udp4", cfg.RTP.Group)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve multicast group: %w", err)
	}
	var iface *net.Interface
	if cfg.RTP.Interface != "" {
		if iface, err = net.InterfaceByName(cfg.RTP.Interface); err != nil {
			return nil, fmt.Errorf("failed to find interface %s: %w", cfg.RTP.Interface, err)
		}
	}
	return &RTPReceiver{
		group:       group,
		iface:       iface,
		payloadType: cfg.RTP.PayloadType,
		format:      format,
		metrics:     metrics,
		logger:      logger,
	}, nil
}

// setupMulticastSocket binds the group port with address reuse so several
// decoders can share one feed, then joins the group
func setupMulticastSocket(ctx context.Context, addr *net.UDPAddr, iface *net.Interface, logger *log.Logger) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_REUSEPORT: %w", err)
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	conn, err := lc.ListenPacket(ctx, "udp4", addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	udpConn := conn.(*net.UDPConn)

	if err := udpConn.SetReadBuffer(4 << 20); err != nil {
		logger.Warn("failed to set read buffer size", "error", err)
	}

	if addr.IP.IsMulticast() {
		p := ipv4.NewPacketConn(udpConn)
		if err := p.JoinGroup(iface, addr); err != nil {
			udpConn.Close()
			return nil, fmt.Errorf("failed to join multicast group %s: %w", addr, err)
		}
	}
	return udpConn, nil
}

// Run receives until ctx is cancelled or the pipeline stops accepting
// symbols. Lost packets are replaced by erasures of the last payload size
// so frame timing survives short gaps.
func (r *RTPReceiver) Run(ctx context.Context, p *pipeline.Pipeline) error {
	defer p.CloseInput()

	conn, err := setupMulticastSocket(ctx, r.group, r.iface, r.logger)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		conn.Close()
	}()
	r.logger.Info("receiving RTP soft symbols", "group", r.group, "payload_type", r.payloadType)

	var (
		seq     seqTracker
		pkt     rtp.Packet
		soft    []int8
		erasure []int8
		lastLen int
	)
	buf := make([]byte, 65536)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.metrics.RecordInputError("rtp")
			return fmt.Errorf("failed to read RTP packet: %w", err)
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			r.ignored.Add(1)
			r.metrics.RecordInputError("rtp")
			r.logger.Debug("failed to parse RTP packet", "error", err)
			continue
		}
		if r.payloadType != 0 && pkt.PayloadType != r.payloadType {
			r.ignored.Add(1)
			continue
		}

		lost, inOrder := seq.observe(pkt.SequenceNumber)
		r.packets.Add(1)
		r.metrics.RecordRTPPacket(lost)
		if !inOrder {
			r.ignored.Add(1)
			continue
		}
		if lost > 0 {
			r.lost.Add(uint64(lost))
			r.logger.Debug("RTP sequence gap", "lost", lost, "seq", pkt.SequenceNumber)
			if lost <= maxErasureFill && lastLen > 0 {
				need := lost * lastLen
				if cap(erasure) < need {
					erasure = make([]int8, need)
				}
				erasure = erasure[:need]
				clear(erasure)
				if !p.Write(erasure) {
					return nil
				}
				r.symbols.Add(uint64(need))
				r.metrics.RecordInputSymbols(need)
			}
		}

		soft = convertSymbols(soft, pkt.Payload, r.format)
		if !p.Write(soft) {
			return nil
		}
		lastLen = len(soft)
		r.symbols.Add(uint64(len(soft)))
		r.metrics.RecordInputSymbols(len(soft))
	}
}

func (r *RTPReceiver) Stats() InputStats {
	return InputStats{
		Source:     "rtp",
		Symbols:    r.symbols.Load(),
		RTPPackets: r.packets.Load(),
		RTPLost:    r.lost.Load(),
		RTPIgnored: r.ignored.Load(),
	}
}
