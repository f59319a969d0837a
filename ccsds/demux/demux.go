// Package demux splits transfer frames into virtual channels and reassembles
// the space packets carried in their M_PDU packet zones.
package demux

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cwsl/ccsds_downlink/ccsds/frame"
)

const (
	vcduHeaderSize = 6
	mpduHeaderSize = 2
	counterModulus = 1 << 24

	// FillVCID carries fill frames with no packet data.
	FillVCID = 63

	fhpNoHeader = 0x7FF // packet zone continues a packet
	fhpIdle     = 0x7FE // packet zone holds idle data only

	// DefaultMaxPacketSize is the largest packet CCSDS allows.
	DefaultMaxPacketSize = PrimaryHeaderSize + 65536
)

var ErrInvalidConfig = errors.New("invalid demultiplexer configuration")

// Config controls the frame layout and reassembly policy.
type Config struct {
	InsertZoneSize    int  // bytes between the VCDU header and the M_PDU header
	MaxPacketSize     int  // total packet size limit, header included
	DropUncorrectable bool // skip frames Reed-Solomon could not correct
	TrailerSize       int  // bytes after the packet zone, e.g. retained RS parity
}

// VirtualChannel is the reassembly state of one VCID.
type VirtualChannel struct {
	VCID        int
	lastCounter uint32
	seen        bool
	buf         []byte
	hunting     bool

	Frames  uint64
	Lost    uint64
	Packets uint64
}

// ChannelStats is a snapshot of one virtual channel.
type ChannelStats struct {
	VCID    int    `json:"vcid"`
	Frames  uint64 `json:"frames"`
	Lost    uint64 `json:"lost_frames"`
	Packets uint64 `json:"packets"`
}

// Stats is a snapshot of the demultiplexer counters.
type Stats struct {
	Frames        uint64         `json:"frames"`
	FillFrames    uint64         `json:"fill_frames"`
	IdleFrames    uint64         `json:"idle_frames"`
	Uncorrectable uint64         `json:"uncorrectable_skipped"`
	ShortFrames   uint64         `json:"short_frames"`
	Packets       uint64         `json:"packets"`
	IdlePackets   uint64         `json:"idle_packets"`
	Malformed     uint64         `json:"dropped_malformed"`
	Oversized     uint64         `json:"dropped_oversized"`
	LostSync      uint64         `json:"dropped_lost_sync"`
	LostFrames    uint64         `json:"lost_frames"`
	Channels      []ChannelStats `json:"channels"`
}

// Dropped is the number of in-progress packets that were discarded.
func (s Stats) Dropped() uint64 {
	return s.Malformed + s.Oversized + s.LostSync
}

// Demux holds per-VCID state. It is driven by a single goroutine.
type Demux struct {
	cfg      Config
	channels map[int]*VirtualChannel
	session  uint64
	stats    Stats
}

// New returns a demultiplexer, defaulting MaxPacketSize.
func New(cfg Config) (*Demux, error) {
	if cfg.InsertZoneSize < 0 {
		return nil, fmt.Errorf("%w: insert zone size %d", ErrInvalidConfig, cfg.InsertZoneSize)
	}
	if cfg.TrailerSize < 0 {
		return nil, fmt.Errorf("%w: trailer size %d", ErrInvalidConfig, cfg.TrailerSize)
	}
	if cfg.MaxPacketSize == 0 {
		cfg.MaxPacketSize = DefaultMaxPacketSize
	}
	if cfg.MaxPacketSize < PrimaryHeaderSize+1 {
		return nil, fmt.Errorf("%w: max packet size %d", ErrInvalidConfig, cfg.MaxPacketSize)
	}
	return &Demux{cfg: cfg, channels: make(map[int]*VirtualChannel)}, nil
}

// HeaderSize is the number of frame bytes before the packet zone.
func (d *Demux) HeaderSize() int {
	return vcduHeaderSize + d.cfg.InsertZoneSize + mpduHeaderSize
}

// Channel returns the state of vcid, or nil if it has not been seen.
func (d *Demux) Channel(vcid int) *VirtualChannel {
	return d.channels[vcid]
}

// Process demultiplexes one frame and emits every packet it completes, in
// order. It returns false as soon as emit does.
func (d *Demux) Process(f *frame.Frame, emit func(SpacePacket) bool) bool {
	if f.Session != d.session {
		d.session = f.Session
		d.resync()
	}
	if f.Uncorrectable && d.cfg.DropUncorrectable {
		d.stats.Uncorrectable++
		return true
	}

	data := f.Data
	if len(data) < d.HeaderSize()+d.cfg.TrailerSize+1 {
		d.stats.ShortFrames++
		return true
	}
	d.stats.Frames++

	scid := int(data[0]&0x3F)<<2 | int(data[1]>>6)
	vcid := int(data[1] & 0x3F)
	counter := uint32(data[2])<<16 | uint32(data[3])<<8 | uint32(data[4])
	if vcid == FillVCID {
		d.stats.FillFrames++
		return true
	}

	vc := d.channels[vcid]
	if vc == nil {
		vc = &VirtualChannel{VCID: vcid, hunting: true}
		d.channels[vcid] = vc
	}
	vc.Frames++
	if vc.seen {
		if gap := (counter - vc.lastCounter - 1) % counterModulus; gap != 0 {
			if counter != vc.lastCounter {
				vc.Lost += uint64(gap)
				d.stats.LostFrames += uint64(gap)
			}
			d.lose(vc)
		}
	}
	vc.seen = true
	vc.lastCounter = counter

	mpdu := data[vcduHeaderSize+d.cfg.InsertZoneSize : len(data)-d.cfg.TrailerSize]
	fhp := int(mpdu[0]&0x07)<<8 | int(mpdu[1])
	zone := mpdu[mpduHeaderSize:]

	switch {
	case fhp == fhpIdle:
		d.stats.IdleFrames++
		return true
	case fhp == fhpNoHeader:
		if !vc.hunting {
			return d.continuation(vc, scid, zone, emit)
		}
		return true
	case fhp >= len(zone):
		// pointer outside the zone: nothing here can be trusted
		d.drop(vc, &d.stats.Malformed)
		return true
	}

	if !vc.hunting && !d.complete(vc, scid, zone[:fhp], emit) {
		return false
	}
	vc.hunting = false
	vc.buf = vc.buf[:0]
	return d.extract(vc, scid, zone[fhp:], emit)
}

// continuation appends a zone with no packet start to the pending packet.
func (d *Demux) continuation(vc *VirtualChannel, scid int, zone []byte, emit func(SpacePacket) bool) bool {
	if len(vc.buf) == 0 {
		// the previous packet ended on the frame boundary, so this zone
		// should have carried a header
		d.drop(vc, &d.stats.Malformed)
		return true
	}
	vc.buf = append(vc.buf, zone...)
	if len(vc.buf) < PrimaryHeaderSize {
		return true
	}
	size := packetSize(vc.buf)
	switch {
	case size > d.cfg.MaxPacketSize:
		d.drop(vc, &d.stats.Oversized)
		return true
	case len(vc.buf) < size:
		return true
	case len(vc.buf) > size:
		d.drop(vc, &d.stats.Malformed)
		return true
	}
	ok := d.deliver(vc, scid, vc.buf, emit)
	vc.buf = vc.buf[:0]
	return ok
}

// complete finishes the pending packet with the bytes before the first
// header pointer. They must end it exactly.
func (d *Demux) complete(vc *VirtualChannel, scid int, head []byte, emit func(SpacePacket) bool) bool {
	if len(vc.buf) == 0 {
		if len(head) > 0 {
			d.stats.Malformed++
		}
		return true
	}
	vc.buf = append(vc.buf, head...)
	if len(vc.buf) < PrimaryHeaderSize || packetSize(vc.buf) != len(vc.buf) {
		d.stats.Malformed++
		vc.buf = vc.buf[:0]
		return true
	}
	ok := d.deliver(vc, scid, vc.buf, emit)
	vc.buf = vc.buf[:0]
	return ok
}

// extract walks packets from a header start to the end of the zone,
// keeping a trailing partial packet.
func (d *Demux) extract(vc *VirtualChannel, scid int, rest []byte, emit func(SpacePacket) bool) bool {
	for len(rest) > 0 {
		if len(rest) < PrimaryHeaderSize {
			vc.buf = append(vc.buf[:0], rest...)
			return true
		}
		size := packetSize(rest)
		if size > d.cfg.MaxPacketSize {
			d.drop(vc, &d.stats.Oversized)
			return true
		}
		if len(rest) < size {
			vc.buf = append(vc.buf[:0], rest...)
			return true
		}
		if !d.deliver(vc, scid, rest[:size], emit) {
			return false
		}
		rest = rest[size:]
	}
	return true
}

// deliver hands a complete packet to emit; idle packets are only counted.
func (d *Demux) deliver(vc *VirtualChannel, scid int, raw []byte, emit func(SpacePacket) bool) bool {
	p := parsePacket(vc.VCID, scid, raw)
	if p.Idle() {
		d.stats.IdlePackets++
		return true
	}
	vc.Packets++
	d.stats.Packets++
	return emit(p)
}

// lose discards the in-progress packet after a discontinuity.
func (d *Demux) lose(vc *VirtualChannel) {
	if len(vc.buf) > 0 {
		d.stats.LostSync++
	}
	vc.buf = vc.buf[:0]
	vc.hunting = true
}

func (d *Demux) drop(vc *VirtualChannel, counter *uint64) {
	*counter++
	vc.buf = vc.buf[:0]
	vc.hunting = true
}

// resync forgets all in-progress packets after a lock session change.
func (d *Demux) resync() {
	for _, vc := range d.channels {
		d.lose(vc)
		vc.seen = false
	}
}

// Stats returns a snapshot of the counters, channels sorted by VCID.
func (d *Demux) Stats() Stats {
	s := d.stats
	s.Channels = make([]ChannelStats, 0, len(d.channels))
	for _, vc := range d.channels {
		s.Channels = append(s.Channels, ChannelStats{VCID: vc.VCID, Frames: vc.Frames, Lost: vc.Lost, Packets: vc.Packets})
	}
	sort.Slice(s.Channels, func(i, j int) bool { return s.Channels[i].VCID < s.Channels[j].VCID })
	return s
}
