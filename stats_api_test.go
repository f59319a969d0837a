package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cwsl/ccsds_downlink/ccsds/frame"
	"github.com/cwsl/ccsds_downlink/ccsds/pipeline"
)

func TestStatsAPI(t *testing.T) {
	p, err := pipeline.New(pipeline.DefaultConfig(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	h := NewStatsHandler(p, nil, NewPacketWebSocketHandler(1, nil, quietLogger()), quietLogger())
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var got struct {
		Version  string `json:"version"`
		Pipeline struct {
			RunID    string `json:"run_id"`
			State    string `json:"state"`
			Viterbi  *pipeline.ViterbiStats
			Streams  []pipeline.StreamStats `json:"streams"`
			Deframer struct {
				Frames uint64 `json:"frames"`
			} `json:"deframer"`
		} `json:"pipeline"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Version != Version {
		t.Errorf("version = %q, want %q", got.Version, Version)
	}
	if got.Pipeline.RunID != p.RunID() {
		t.Errorf("run_id = %q, want %q", got.Pipeline.RunID, p.RunID())
	}
	if got.Pipeline.State != frame.NoSync.String() {
		t.Errorf("state = %q, want %q", got.Pipeline.State, frame.NoSync)
	}
	if got.Pipeline.Viterbi == nil {
		t.Error("viterbi statistics missing")
	}
	// symbols, four frame links, packets
	if len(got.Pipeline.Streams) != 6 {
		t.Errorf("%d streams, want 6", len(got.Pipeline.Streams))
	}

	post, err := http.Post(srv.URL, "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want %d", post.StatusCode, http.StatusMethodNotAllowed)
	}
}
