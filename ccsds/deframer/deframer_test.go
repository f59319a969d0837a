package deframer

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/cwsl/ccsds_downlink/ccsds/correlator"
	"github.com/cwsl/ccsds_downlink/ccsds/frame"
)

const (
	asm        = 0x1ACFFC1D
	frameBytes = 16
)

func testConfig() Config {
	return Config{
		Syncword:  asm,
		SyncBits:  32,
		FrameBits: frameBytes * 8,
	}
}

// buildStream returns prefix filler followed by n frames of marker plus
// random payload, as soft values, together with the payloads.
func buildStream(n, prefix int) ([]int8, [][]byte) {
	rng := rand.New(rand.NewSource(7))
	soft := make([]int8, prefix)
	for i := range soft {
		soft[i] = -60
	}
	var payloads [][]byte
	for f := 0; f < n; f++ {
		body := []byte{0x1A, 0xCF, 0xFC, 0x1D}
		p := make([]byte, frameBytes-4)
		rng.Read(p)
		payloads = append(payloads, p)
		body = append(body, p...)
		soft = frame.BitsToSoft(soft, frame.UnpackBits(nil, body))
	}
	return soft, payloads
}

// corruptMarker flips the sign of the first k marker bits of frame f.
func corruptMarker(soft []int8, prefix, f, k int) {
	start := prefix + f*frameBytes*8
	for i := 0; i < k; i++ {
		soft[start+i*3] = -soft[start+i*3]
	}
}

func run(t *testing.T, d *Deframer, soft []int8, chunk int) []*frame.Frame {
	t.Helper()
	var out []*frame.Frame
	for len(soft) > 0 {
		n := min(chunk, len(soft))
		if !d.Process(soft[:n], func(f *frame.Frame) bool {
			out = append(out, f)
			return true
		}) {
			t.Fatal("Process returned false")
		}
		soft = soft[n:]
	}
	return out
}

func TestAcquireAndLock(t *testing.T) {
	d, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	soft, payloads := buildStream(3, 37)
	frames := run(t, d, soft, 50)

	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	if frames[0].State != frame.Syncing || frames[1].State != frame.Synced {
		t.Errorf("states %v, %v; want SYNCING then SYNCED", frames[0].State, frames[1].State)
	}
	for i, f := range frames {
		if !bytes.Equal(f.Data, payloads[i]) {
			t.Errorf("frame %d payload %x, want %x", i, f.Data, payloads[i])
		}
		if f.Seq != uint64(i+1) || f.Session != 1 || f.SyncScore != 32 {
			t.Errorf("frame %d bookkeeping %+v", i, f)
		}
		if len(f.Marker) != 32 || len(f.Soft) != 96 {
			t.Errorf("frame %d sizes %d/%d", i, len(f.Marker), len(f.Soft))
		}
	}
	st := d.Stats()
	if st.State != frame.Synced || st.Discarded != 37 {
		t.Errorf("stats %+v", st)
	}
}

func TestLockRetentionAndLoss(t *testing.T) {
	const prefix = 16
	d, _ := New(testConfig())
	soft, payloads := buildStream(12, prefix)

	corruptMarker(soft, prefix, 3, 2) // within tolerance
	corruptMarker(soft, prefix, 4, 3)
	for _, f := range []int{5, 6, 8, 9, 10} {
		corruptMarker(soft, prefix, f, 10)
	}
	frames := run(t, d, soft, 200)

	wantIdx := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 11}
	if len(frames) != len(wantIdx) {
		t.Fatalf("got %d frames, want %d", len(frames), len(wantIdx))
	}
	for k, f := range frames {
		i := wantIdx[k]
		if !bytes.Equal(f.Data, payloads[i]) {
			t.Errorf("output %d: payload of frame %d mismatched", k, i)
		}
		wantMismatch := i == 5 || i == 6 || i == 8 || i == 9
		if f.SyncMismatch != wantMismatch {
			t.Errorf("frame %d SyncMismatch = %v", i, f.SyncMismatch)
		}
		if i >= 2 && i <= 9 && f.State != frame.Synced {
			t.Errorf("frame %d demoted to %v", i, f.State)
		}
	}
	last := frames[len(frames)-1]
	if last.Session != 2 || last.State != frame.Syncing {
		t.Errorf("reacquired frame session %d state %v", last.Session, last.State)
	}
	st := d.Stats()
	if st.LockLosses != 1 || st.SyncErrors != 5 {
		t.Errorf("LockLosses %d SyncErrors %d, want 1 and 5", st.LockLosses, st.SyncErrors)
	}
}

func TestConfigurableLockLoss(t *testing.T) {
	const prefix = 8
	cfg := testConfig()
	cfg.LockLossThreshold = 1
	d, _ := New(cfg)
	soft, _ := buildStream(6, prefix)
	corruptMarker(soft, prefix, 3, 10)
	frames := run(t, d, soft, 64)

	// frame 3 is never emitted: a single miss drops lock
	if len(frames) != 5 || frames[3].Session != 2 {
		t.Fatalf("got %d frames, last session %d", len(frames), frames[len(frames)-1].Session)
	}
}

func TestInvertedPolarity(t *testing.T) {
	d, _ := New(testConfig())
	soft, payloads := buildStream(2, 5)
	for i := range soft {
		soft[i] = -soft[i]
	}
	frames := run(t, d, soft, 1000)
	if len(frames) != 2 {
		t.Fatalf("got %d frames", len(frames))
	}
	for i, f := range frames {
		if !f.Inverted {
			t.Errorf("frame %d not flagged inverted", i)
		}
		if !bytes.Equal(f.Data, payloads[i]) {
			t.Errorf("frame %d payload not restored", i)
		}
	}
}

func TestAnyPolarity(t *testing.T) {
	const prefix = 12
	cfg := testConfig()
	cfg.AnyPolarity = true
	d, _ := New(cfg)
	soft, payloads := buildStream(4, prefix)
	for _, f := range []int{1, 2} {
		start := prefix + f*frameBytes*8
		for i := start; i < start+frameBytes*8; i++ {
			soft[i] = -soft[i]
		}
	}
	frames := run(t, d, soft, 90)
	if len(frames) != 4 {
		t.Fatalf("got %d frames", len(frames))
	}
	for i, f := range frames {
		want := append([]byte(nil), payloads[i]...)
		if i == 1 || i == 2 {
			for j := range want {
				want[j] = ^want[j]
			}
		}
		if !bytes.Equal(f.Data, want) {
			t.Errorf("frame %d payload %x, want %x", i, f.Data, want)
		}
		if f.SyncMismatch || f.Session != 1 {
			t.Errorf("frame %d mismatch=%v session=%d", i, f.SyncMismatch, f.Session)
		}
	}
	if st := d.Stats(); st.SyncErrors != 0 || st.State != frame.Synced {
		t.Errorf("stats %+v", st)
	}
}

func TestQPSKRotation(t *testing.T) {
	cfg := testConfig()
	cfg.Modulation = correlator.QPSK
	d, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	soft, payloads := buildStream(3, 20)
	for k := 0; k+1 < len(soft); k += 2 {
		soft[k], soft[k+1] = -soft[k+1], soft[k]
	}
	frames := run(t, d, soft, 77)
	if len(frames) != 3 {
		t.Fatalf("got %d frames", len(frames))
	}
	for i, f := range frames {
		if !bytes.Equal(f.Data, payloads[i]) {
			t.Errorf("frame %d payload %x, want %x (%v inverted=%v)",
				i, f.Data, payloads[i], f.Hypothesis, f.Inverted)
		}
	}
}

func TestResearchPrefersLastHypothesis(t *testing.T) {
	cfg := testConfig()
	cfg.Modulation = correlator.QPSK
	d, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	// a half turn scores the same as phase 0 inverted; a deframer that lost
	// a phase 2 lock keeps reporting phase 2
	d.session = 1
	d.hyp = correlator.Hypothesis{Phase: 2}

	soft, payloads := buildStream(2, 10)
	for k := range soft {
		soft[k] = -soft[k]
	}
	frames := run(t, d, soft, 64)
	if len(frames) != 2 {
		t.Fatalf("got %d frames", len(frames))
	}
	for i, f := range frames {
		if f.Hypothesis != (correlator.Hypothesis{Phase: 2}) || f.Inverted || f.Session != 2 {
			t.Errorf("frame %d: %v inverted=%v session %d", i, f.Hypothesis, f.Inverted, f.Session)
		}
		if !bytes.Equal(f.Data, payloads[i]) {
			t.Errorf("frame %d payload %x, want %x", i, f.Data, payloads[i])
		}
	}

	fresh, _ := New(cfg)
	if got := run(t, fresh, soft, 64); len(got) == 0 || got[0].Hypothesis.Phase != 0 || !got[0].Inverted {
		t.Errorf("first acquisition should use phase 0 inverted")
	}
}

func TestEmitStops(t *testing.T) {
	d, _ := New(testConfig())
	soft, _ := buildStream(4, 0)
	calls := 0
	ok := d.Process(soft, func(*frame.Frame) bool {
		calls++
		return false
	})
	if ok || calls != 1 {
		t.Errorf("Process = %v after %d emits", ok, calls)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"short marker", func(c *Config) { c.SyncBits = 4 }},
		{"frame not longer than marker", func(c *Config) { c.FrameBits = 32 }},
		{"odd qpsk frame", func(c *Config) { c.Modulation = correlator.QPSK; c.FrameBits = 129 }},
		{"tolerance too loose", func(c *Config) { c.MaxSyncErrors = 16 }},
		{"negative lock loss", func(c *Config) { c.LockLossThreshold = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mut(&cfg)
			if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}

	d, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	c := d.Config()
	if c.MaxSyncErrors != 3 || c.GoodFramesToLock != 2 || c.LockLossThreshold != 3 {
		t.Errorf("defaults %+v", c)
	}
}
