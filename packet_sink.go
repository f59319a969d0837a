package main

import (
	"encoding/hex"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cwsl/ccsds_downlink/ccsds/demux"
	"github.com/cwsl/ccsds_downlink/ccsds/pipeline"
)

// PacketMessage is the JSON form of a decoded space packet, shared by the
// WebSocket feed and the MQTT publisher
type PacketMessage struct {
	Timestamp       int64  `json:"timestamp"` // Unix milliseconds when the packet left the pipeline
	RunID           string `json:"run_id"`
	SCID            int    `json:"scid"`
	VCID            int    `json:"vcid"`
	APID            int    `json:"apid"`
	Type            int    `json:"type"`
	SecondaryHeader bool   `json:"secondary_header"`
	SequenceFlags   int    `json:"sequence_flags"`
	SequenceCount   int    `json:"sequence_count"`
	Length          int    `json:"length"`
	Payload         string `json:"payload"` // hex
}

func newPacketMessage(runID string, p demux.SpacePacket, now time.Time) *PacketMessage {
	return &PacketMessage{
		Timestamp:       now.UnixMilli(),
		RunID:           runID,
		SCID:            p.SCID,
		VCID:            p.VCID,
		APID:            p.APID,
		Type:            p.Type,
		SecondaryHeader: p.SecondaryHeader,
		SequenceFlags:   p.SequenceFlags,
		SequenceCount:   p.SequenceCount,
		Length:          p.Length,
		Payload:         hex.EncodeToString(p.Payload),
	}
}

// PacketConsumer receives every decoded packet. HandlePacket runs on the
// sink goroutine and must not block for long.
type PacketConsumer interface {
	HandlePacket(msg *PacketMessage)
}

// PacketSink drains the pipeline's packet stream and fans packets out
type PacketSink struct {
	consumers []PacketConsumer
	logger    *log.Logger
	batch     int
}

// NewPacketSink creates a sink. Nil consumers are skipped.
func NewPacketSink(logger *log.Logger, batch int, consumers ...PacketConsumer) *PacketSink {
	s := &PacketSink{logger: logger, batch: max(batch, 1)}
	for _, c := range consumers {
		if c != nil {
			s.consumers = append(s.consumers, c)
		}
	}
	return s
}

// Run reads packets until the pipeline drains or stops and returns how many
// were delivered.
func (s *PacketSink) Run(p *pipeline.Pipeline) uint64 {
	buf := make([]demux.SpacePacket, s.batch)
	var delivered uint64
	for {
		n := p.ReadPackets(buf)
		if n == 0 {
			s.logger.Debug("packet stream closed", "delivered", delivered)
			return delivered
		}
		now := time.Now()
		for _, pkt := range buf[:n] {
			s.logger.Debug("packet", "vcid", pkt.VCID, "apid", pkt.APID, "seq", pkt.SequenceCount, "len", pkt.Length)
			if len(s.consumers) > 0 {
				msg := newPacketMessage(p.RunID(), pkt, now)
				for _, c := range s.consumers {
					c.HandlePacket(msg)
				}
			}
			delivered++
		}
		clear(buf[:n])
	}
}
