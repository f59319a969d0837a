package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/cwsl/ccsds_downlink/ccsds/pipeline"
)

// PrometheusMetrics holds all Prometheus collectors for the decoder chain and
// the process around it
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Frame synchronisation
	lockState        prometheus.Gauge   // 0=NO_SYNC, 1=SYNCING, 2=SYNCED
	lockSession      prometheus.Gauge   // Current lock session number
	framesTotal      prometheus.Counter // Frames cut by the deframer
	syncErrorsTotal  prometheus.Counter // Frames whose marker did not match
	lockLossesTotal  prometheus.Counter // SYNCED to NO_SYNC transitions
	discardedSymbols prometheus.Counter // Soft values skipped while searching
	syncScore        prometheus.Gauge   // Last marker correlation score
	frameSNR         prometheus.Gauge   // Soft-symbol SNR estimate of the last frame in dB

	// Forward error correction
	viterbiBER            prometheus.Gauge       // Channel BER estimate of the last frame
	viterbiErrorsTotal    prometheus.Counter     // Channel bit errors found by re-encoding
	rsCorrectedTotal      *prometheus.CounterVec // Symbols corrected (by branch)
	rsUncorrectableTotal  prometheus.Counter     // Frames with at least one failed codeword
	rsFramesTotal         prometheus.Counter     // Frames checked by Reed-Solomon
	demuxLostFramesTotal  *prometheus.CounterVec // Frames missing from the VC counter sequence (by vcid)
	demuxPacketsTotal     *prometheus.CounterVec // Packets delivered (by vcid)
	demuxDroppedTotal     *prometheus.CounterVec // Packets dropped (by reason)
	demuxIdlePacketsTotal prometheus.Counter     // Idle packets seen
	demuxSkippedTotal     *prometheus.CounterVec // Frames skipped (by reason)

	// Streams
	streamFill *prometheus.GaugeVec // Items buffered (by stream)

	// Input
	inputSymbolsTotal prometheus.Counter     // Soft values fed to the pipeline
	rtpPacketsTotal   prometheus.Counter     // RTP packets received
	rtpLostTotal      prometheus.Counter     // RTP packets missing from the sequence
	inputErrorsTotal  *prometheus.CounterVec // Input errors (by source)

	// Outputs
	wsClients          prometheus.Gauge       // Connected packet WebSocket clients
	wsMessagesSent     prometheus.Counter     // Packets sent over WebSocket
	wsDroppedTotal     prometheus.Counter     // Packets dropped for slow WebSocket clients
	mqttPublishedTotal *prometheus.CounterVec // MQTT messages published (by kind)
	mqttErrorsTotal    prometheus.Counter     // MQTT publish failures
	mqttDroppedTotal   *prometheus.CounterVec // MQTT messages skipped while acknowledgements are backlogged (by kind)

	// Resource metrics
	goroutineCount   prometheus.Gauge // Current number of goroutines
	memoryAllocBytes prometheus.Gauge // Current memory allocated in bytes
	memoryHeapBytes  prometheus.Gauge // Current heap memory in bytes
	cpuPercent       prometheus.Gauge // System CPU utilisation
	cpuCores         prometheus.Gauge // Physical CPU cores
	processCPU       prometheus.Gauge // Decoder process CPU utilisation
	processRSS       prometheus.Gauge // Decoder process resident set size

	proc *process.Process // nil if the process handle could not be opened

	// Pushgateway metrics
	pushgatewayPushesTotal   prometheus.Counter // Total push attempts to Pushgateway
	pushgatewaySuccessTotal  prometheus.Counter // Successful pushes to Pushgateway
	pushgatewayFailuresTotal prometheus.Counter // Failed pushes to Pushgateway
	pushgatewayLastPushTime  prometheus.Gauge   // Unix timestamp of last successful push

	mu   sync.Mutex     // Protects last
	last pipeline.Stats // Snapshot the counters were last advanced to
}

// NewPrometheusMetrics creates all metrics and registers them with reg
func NewPrometheusMetrics(reg *prometheus.Registry) *PrometheusMetrics {
	f := promauto.With(reg)
	pm := &PrometheusMetrics{
		registry: reg,

		lockState: f.NewGauge(prometheus.GaugeOpts{
			Name: "ccsds_lock_state",
			Help: "Deframer lock state (0=NO_SYNC, 1=SYNCING, 2=SYNCED)",
		}),
		lockSession: f.NewGauge(prometheus.GaugeOpts{
			Name: "ccsds_lock_session",
			Help: "Current lock session number",
		}),
		framesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ccsds_frames_total",
			Help: "Frames cut by the deframer",
		}),
		syncErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ccsds_sync_errors_total",
			Help: "Frames whose sync marker did not match",
		}),
		lockLossesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ccsds_lock_losses_total",
			Help: "Transitions from SYNCED to NO_SYNC",
		}),
		discardedSymbols: f.NewCounter(prometheus.CounterOpts{
			Name: "ccsds_search_discarded_symbols_total",
			Help: "Soft values skipped while searching for the sync marker",
		}),
		syncScore: f.NewGauge(prometheus.GaugeOpts{
			Name: "ccsds_sync_score",
			Help: "Correlation score of the last sync marker",
		}),
		frameSNR: f.NewGauge(prometheus.GaugeOpts{
			Name: "ccsds_frame_snr_db",
			Help: "Soft-symbol SNR estimate of the last frame in dB",
		}),

		viterbiBER: f.NewGauge(prometheus.GaugeOpts{
			Name: "ccsds_viterbi_ber",
			Help: "Channel bit error rate estimate of the last frame",
		}),
		viterbiErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ccsds_viterbi_bit_errors_total",
			Help: "Channel bit errors found by re-encoding the decoded path",
		}),
		rsCorrectedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ccsds_rs_corrected_symbols_total",
			Help: "Reed-Solomon symbols corrected",
		}, []string{"branch"}),
		rsUncorrectableTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ccsds_rs_uncorrectable_frames_total",
			Help: "Frames with at least one uncorrectable codeword",
		}),
		rsFramesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ccsds_rs_frames_total",
			Help: "Frames checked by Reed-Solomon",
		}),
		demuxLostFramesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ccsds_vc_lost_frames_total",
			Help: "Frames missing from the virtual channel counter sequence",
		}, []string{"vcid"}),
		demuxPacketsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ccsds_packets_total",
			Help: "Space packets delivered",
		}, []string{"vcid"}),
		demuxDroppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ccsds_packets_dropped_total",
			Help: "Space packets dropped",
		}, []string{"reason"}),
		demuxIdlePacketsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ccsds_idle_packets_total",
			Help: "Idle packets seen",
		}),
		demuxSkippedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ccsds_frames_skipped_total",
			Help: "Frames not demultiplexed",
		}, []string{"reason"}),

		streamFill: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ccsds_stream_fill",
			Help: "Items buffered between stages",
		}, []string{"stream"}),

		inputSymbolsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ccsds_input_symbols_total",
			Help: "Soft values fed to the pipeline",
		}),
		rtpPacketsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ccsds_rtp_packets_total",
			Help: "RTP packets received",
		}),
		rtpLostTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ccsds_rtp_lost_packets_total",
			Help: "RTP packets missing from the sequence",
		}),
		inputErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ccsds_input_errors_total",
			Help: "Input read or parse errors",
		}, []string{"source"}),

		wsClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "ccsds_websocket_clients",
			Help: "Connected packet WebSocket clients",
		}),
		wsMessagesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "ccsds_websocket_messages_sent_total",
			Help: "Packets sent over WebSocket",
		}),
		wsDroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ccsds_websocket_dropped_total",
			Help: "Packets dropped for slow WebSocket clients",
		}),
		mqttPublishedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ccsds_mqtt_published_total",
			Help: "MQTT messages published",
		}, []string{"kind"}),
		mqttErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ccsds_mqtt_errors_total",
			Help: "MQTT publish failures",
		}),
		mqttDroppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ccsds_mqtt_dropped_total",
			Help: "MQTT messages skipped because too many publishes awaited acknowledgement",
		}, []string{"kind"}),

		goroutineCount: f.NewGauge(prometheus.GaugeOpts{
			Name: "ccsds_goroutines",
			Help: "Current number of goroutines",
		}),
		memoryAllocBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "ccsds_memory_alloc_bytes",
			Help: "Current memory allocated in bytes",
		}),
		memoryHeapBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "ccsds_memory_heap_bytes",
			Help: "Current heap memory in bytes",
		}),
		cpuPercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "ccsds_system_cpu_percent",
			Help: "System CPU utilisation in percent",
		}),
		cpuCores: f.NewGauge(prometheus.GaugeOpts{
			Name: "ccsds_system_cpu_cores",
			Help: "Physical CPU cores",
		}),
		processCPU: f.NewGauge(prometheus.GaugeOpts{
			Name: "ccsds_process_cpu_percent",
			Help: "Decoder process CPU utilisation in percent of one core",
		}),
		processRSS: f.NewGauge(prometheus.GaugeOpts{
			Name: "ccsds_process_resident_bytes",
			Help: "Decoder process resident set size in bytes",
		}),

		pushgatewayPushesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ccsds_pushgateway_pushes_total",
			Help: "Total push attempts to Pushgateway",
		}),
		pushgatewaySuccessTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ccsds_pushgateway_success_total",
			Help: "Successful pushes to Pushgateway",
		}),
		pushgatewayFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ccsds_pushgateway_failures_total",
			Help: "Failed pushes to Pushgateway",
		}),
		pushgatewayLastPushTime: f.NewGauge(prometheus.GaugeOpts{
			Name: "ccsds_pushgateway_last_push_timestamp",
			Help: "Unix timestamp of last successful push",
		}),
	}

	// Sum cores across all CPUs (for multi-socket systems)
	if info, err := cpu.Info(); err == nil {
		cores := 0
		for _, c := range info {
			cores += int(c.Cores)
		}
		pm.cpuCores.Set(float64(cores))
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		pm.proc = proc
	}
	return pm
}

func delta(now, before uint64) float64 {
	if now < before {
		return 0
	}
	return float64(now - before)
}

// UpdateFromStats advances the counters to a pipeline snapshot and sets the
// gauges. Pipeline counters only grow, so each call adds the difference to
// the previous snapshot.
func (pm *PrometheusMetrics) UpdateFromStats(st pipeline.Stats) {
	if pm == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	last := pm.last

	d := st.Deframer
	pm.lockState.Set(float64(d.State))
	pm.lockSession.Set(float64(d.Session))
	pm.framesTotal.Add(delta(d.Frames, last.Deframer.Frames))
	pm.syncErrorsTotal.Add(delta(d.SyncErrors, last.Deframer.SyncErrors))
	pm.lockLossesTotal.Add(delta(d.LockLosses, last.Deframer.LockLosses))
	pm.discardedSymbols.Add(delta(d.Discarded, last.Deframer.Discarded))
	pm.syncScore.Set(float64(d.LastScore))
	pm.frameSNR.Set(d.LastQuality.SNR)

	if v := st.Viterbi; v != nil {
		var before uint64
		if last.Viterbi != nil {
			before = last.Viterbi.Errors
		}
		pm.viterbiBER.Set(v.LastBER)
		pm.viterbiErrorsTotal.Add(delta(v.Errors, before))
	}

	if rs := st.ReedSolomon; rs != nil {
		prev := rsStatsOrZero(last.ReedSolomon, len(rs.Corrected))
		for b, n := range rs.Corrected {
			pm.rsCorrectedTotal.WithLabelValues(strconv.Itoa(b)).Add(delta(n, prev.Corrected[b]))
		}
		pm.rsUncorrectableTotal.Add(delta(rs.Uncorrectable, prev.Uncorrectable))
		pm.rsFramesTotal.Add(delta(rs.Frames, prev.Frames))
	}

	dm, ldm := st.Demux, last.Demux
	lostBefore := make(map[int]uint64, len(ldm.Channels))
	packetsBefore := make(map[int]uint64, len(ldm.Channels))
	for _, c := range ldm.Channels {
		lostBefore[c.VCID] = c.Lost
		packetsBefore[c.VCID] = c.Packets
	}
	for _, c := range dm.Channels {
		vcid := strconv.Itoa(c.VCID)
		pm.demuxLostFramesTotal.WithLabelValues(vcid).Add(delta(c.Lost, lostBefore[c.VCID]))
		pm.demuxPacketsTotal.WithLabelValues(vcid).Add(delta(c.Packets, packetsBefore[c.VCID]))
	}
	pm.demuxDroppedTotal.WithLabelValues("malformed").Add(delta(dm.Malformed, ldm.Malformed))
	pm.demuxDroppedTotal.WithLabelValues("oversized").Add(delta(dm.Oversized, ldm.Oversized))
	pm.demuxDroppedTotal.WithLabelValues("lost_sync").Add(delta(dm.LostSync, ldm.LostSync))
	pm.demuxIdlePacketsTotal.Add(delta(dm.IdlePackets, ldm.IdlePackets))
	pm.demuxSkippedTotal.WithLabelValues("fill").Add(delta(dm.FillFrames, ldm.FillFrames))
	pm.demuxSkippedTotal.WithLabelValues("idle").Add(delta(dm.IdleFrames, ldm.IdleFrames))
	pm.demuxSkippedTotal.WithLabelValues("uncorrectable").Add(delta(dm.Uncorrectable, ldm.Uncorrectable))
	pm.demuxSkippedTotal.WithLabelValues("short").Add(delta(dm.ShortFrames, ldm.ShortFrames))

	for _, s := range st.Streams {
		pm.streamFill.WithLabelValues(s.Name).Set(float64(s.Len))
	}

	pm.last = st
	pm.updateResourceMetrics()
}

// rsStatsOrZero returns s, or zero counters sized for depth branches.
func rsStatsOrZero(s *pipeline.RSStats, depth int) pipeline.RSStats {
	if s == nil || len(s.Corrected) != depth {
		return pipeline.RSStats{Corrected: make([]uint64, depth)}
	}
	return *s
}

// updateResourceMetrics updates runtime resource metrics
func (pm *PrometheusMetrics) updateResourceMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	pm.goroutineCount.Set(float64(runtime.NumGoroutine()))
	pm.memoryAllocBytes.Set(float64(m.Alloc))
	pm.memoryHeapBytes.Set(float64(m.HeapAlloc))

	// Non-blocking: utilisation since the previous call
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		pm.cpuPercent.Set(pct[0])
	}
	if pm.proc != nil {
		if pct, err := pm.proc.Percent(0); err == nil {
			pm.processCPU.Set(pct)
		}
		if mem, err := pm.proc.MemoryInfo(); err == nil {
			pm.processRSS.Set(float64(mem.RSS))
		}
	}
}

func (pm *PrometheusMetrics) RecordInputSymbols(n int) {
	if pm != nil {
		pm.inputSymbolsTotal.Add(float64(n))
	}
}

func (pm *PrometheusMetrics) RecordRTPPacket(lost int) {
	if pm == nil {
		return
	}
	pm.rtpPacketsTotal.Inc()
	if lost > 0 {
		pm.rtpLostTotal.Add(float64(lost))
	}
}

func (pm *PrometheusMetrics) RecordInputError(source string) {
	if pm != nil {
		pm.inputErrorsTotal.WithLabelValues(source).Inc()
	}
}

func (pm *PrometheusMetrics) SetWSClients(n int) {
	if pm != nil {
		pm.wsClients.Set(float64(n))
	}
}

func (pm *PrometheusMetrics) RecordWSMessageSent() {
	if pm != nil {
		pm.wsMessagesSent.Inc()
	}
}

func (pm *PrometheusMetrics) RecordWSDropped() {
	if pm != nil {
		pm.wsDroppedTotal.Inc()
	}
}

func (pm *PrometheusMetrics) RecordMQTTPublish(kind string, err error) {
	if pm == nil {
		return
	}
	if err != nil {
		pm.mqttErrorsTotal.Inc()
		return
	}
	pm.mqttPublishedTotal.WithLabelValues(kind).Inc()
}

func (pm *PrometheusMetrics) RecordMQTTDropped(kind string) {
	if pm != nil {
		pm.mqttDroppedTotal.WithLabelValues(kind).Inc()
	}
}

// StartStatsUpdater copies pipeline statistics into the metrics every interval
func (pm *PrometheusMetrics) StartStatsUpdater(ctx context.Context, p *pipeline.Pipeline, interval time.Duration) {
	if pm == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				pm.UpdateFromStats(p.Stats())
				return
			case <-p.Done():
				pm.UpdateFromStats(p.Stats())
				return
			case <-ticker.C:
				pm.UpdateFromStats(p.Stats())
			}
		}
	}()
}

const pushJobName = "ccsds_downlink"

// StartPushgatewayWorker starts a goroutine that periodically pushes metrics to Pushgateway
func (pm *PrometheusMetrics) StartPushgatewayWorker(ctx context.Context, config *Config, logger *log.Logger) {
	if pm == nil || !config.Prometheus.Pushgateway.Enabled {
		return
	}
	pgConfig := config.Prometheus.Pushgateway

	logger.Info("starting pushgateway worker",
		"url", pgConfig.URL, "job", pushJobName, "instance", pgConfig.Instance, "interval", pgConfig.Interval)

	go func() {
		ticker := time.NewTicker(time.Duration(pgConfig.Interval) * time.Second)
		defer ticker.Stop()

		for {
			pm.pushgatewayPushesTotal.Inc()
			if err := pm.pushToGateway(config); err != nil {
				pm.pushgatewayFailuresTotal.Inc()
				logger.Error("failed to push metrics to pushgateway", "error", err)
			} else {
				pm.pushgatewaySuccessTotal.Inc()
				pm.pushgatewayLastPushTime.Set(float64(time.Now().Unix()))
				logger.Debug("pushed metrics to pushgateway")
			}

			select {
			case <-ctx.Done():
				logger.Info("pushgateway worker stopped")
				return
			case <-ticker.C:
			}
		}
	}()
}

// pushToGateway pushes all metrics to the Pushgateway
func (pm *PrometheusMetrics) pushToGateway(config *Config) error {
	pgConfig := config.Prometheus.Pushgateway

	pusher := push.New(pgConfig.URL, pushJobName).
		Gatherer(pm.registry).
		Grouping("version", Version)
	if pgConfig.Instance != "" {
		pusher = pusher.Grouping("instance", pgConfig.Instance)
		if pgConfig.Token != "" {
			pusher = pusher.BasicAuth(pgConfig.Instance, pgConfig.Token)
		}
	}

	if err := pusher.Push(); err != nil {
		return fmt.Errorf("failed to push to gateway: %w", err)
	}
	return nil
}
