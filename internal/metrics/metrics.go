package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-kwp-diag/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	L2TxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "l2_tx_frames_total",
		Help: "Total layer-2 frames handed to the diagnostic link.",
	})
	L2RxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "l2_rx_frames_total",
		Help: "Total layer-2 frames decoded from the diagnostic link.",
	})
	L2BadChecksum = promauto.NewCounter(prometheus.CounterOpts{
		Name: "l2_bad_checksum_total",
		Help: "Frames delivered with a failed layer-2 checksum.",
	})
	AdapterChecksum = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adapter_bad_checksum_total",
		Help: "Adapter frames whose own framing checksum did not match.",
	})
	NegativeResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecu_negative_responses_total",
		Help: "Negative responses received, by response code.",
	}, []string{"code"})
	BusyRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "l3_busy_retries_total",
		Help: "Requests resent after a busy-repeatRequest reply.",
	})
	PendingWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "l3_pending_waits_total",
		Help: "Extra reads issued after a responsePending reply.",
	})
	Keepalives = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keepalives_total",
		Help: "Idle keepalive exchanges by result.",
	}, []string{"result"})
	Connects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connects_total",
		Help: "Layer-2 connection attempts by result.",
	}, []string{"result"})
	ConnState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "l2_conn_state",
		Help: "Layer-2 connection state (0 closed, 1 connecting, 2 established).",
	})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total monitor frames received from TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total monitor frames sent to TCP clients.",
	})
	WSRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_rx_frames_total",
		Help: "Total requests received from websocket clients.",
	})
	WSTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_tx_frames_total",
		Help: "Total monitor frames sent to websocket clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total monitor frames dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of clients targeted in the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued frames among clients since last sample window.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Approximate average queued frames per client in last sample.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed wire frames (bad kind, invalid length, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead     = "tcp_read"
	ErrTCPWrite    = "tcp_write"
	ErrHandshake   = "handshake"
	ErrWSRead      = "ws_read"
	ErrWSWrite     = "ws_write"
	ErrLinkRead    = "link_read"
	ErrLinkWrite   = "link_write"
	ErrRequest     = "request"
	ErrTxOverflow  = "tx_overflow"
	ErrKeepalive   = "keepalive"
	ErrConnect     = "connect"
	ErrMonitorRecv = "monitor_recv"
)

// Mount is an extra handler served next to /metrics.
type Mount struct {
	Path    string
	Handler http.Handler
}

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready,
// plus any extra mounts (the websocket endpoint lives here).
func StartHTTP(addr string, mounts ...Mount) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	for _, m := range mounts {
		if m.Path == "" || m.Handler == nil {
			continue
		}
		mux.Handle(m.Path, m.Handler)
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for the periodic snapshot log line.
var (
	localL2Tx       uint64
	localL2Rx       uint64
	localBadCks     uint64
	localAdapterCks uint64
	localNegative   uint64
	localBusy       uint64
	localPending    uint64
	localKeepalive  uint64
	localKeepFail   uint64
	localConnects   uint64
	localConnState  uint64
	localTCPRx      uint64
	localTCPTx      uint64
	localWSRx       uint64
	localWSTx       uint64
	localHubDrop    uint64
	localHubKick    uint64
	localHubReject  uint64
	localErrors     uint64
	localHubClients uint64
	localFanout     uint64
	localMalformed  uint64
	localQDMax      uint64
	localQDAvg      uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	L2Tx            uint64
	L2Rx            uint64
	BadChecksum     uint64
	AdapterChecksum uint64
	Negative        uint64
	BusyRetries     uint64
	PendingWaits    uint64
	Keepalives      uint64
	KeepaliveFails  uint64
	Connects        uint64
	ConnState       uint64
	TCPRx           uint64
	TCPTx           uint64
	WSRx            uint64
	WSTx            uint64
	HubDrops        uint64
	HubKicks        uint64
	HubRejects      uint64
	Errors          uint64 // sum across error labels
	HubClients      uint64
	Fanout          uint64
	Malformed       uint64
	QueueDepthMax   uint64
	QueueDepthAvg   uint64
}

func Snap() Snapshot {
	return Snapshot{
		L2Tx:            atomic.LoadUint64(&localL2Tx),
		L2Rx:            atomic.LoadUint64(&localL2Rx),
		BadChecksum:     atomic.LoadUint64(&localBadCks),
		AdapterChecksum: atomic.LoadUint64(&localAdapterCks),
		Negative:        atomic.LoadUint64(&localNegative),
		BusyRetries:     atomic.LoadUint64(&localBusy),
		PendingWaits:    atomic.LoadUint64(&localPending),
		Keepalives:      atomic.LoadUint64(&localKeepalive),
		KeepaliveFails:  atomic.LoadUint64(&localKeepFail),
		Connects:        atomic.LoadUint64(&localConnects),
		ConnState:       atomic.LoadUint64(&localConnState),
		TCPRx:           atomic.LoadUint64(&localTCPRx),
		TCPTx:           atomic.LoadUint64(&localTCPTx),
		WSRx:            atomic.LoadUint64(&localWSRx),
		WSTx:            atomic.LoadUint64(&localWSTx),
		HubDrops:        atomic.LoadUint64(&localHubDrop),
		HubKicks:        atomic.LoadUint64(&localHubKick),
		HubRejects:      atomic.LoadUint64(&localHubReject),
		Errors:          atomic.LoadUint64(&localErrors),
		HubClients:      atomic.LoadUint64(&localHubClients),
		Fanout:          atomic.LoadUint64(&localFanout),
		Malformed:       atomic.LoadUint64(&localMalformed),
		QueueDepthMax:   atomic.LoadUint64(&localQDMax),
		QueueDepthAvg:   atomic.LoadUint64(&localQDAvg),
	}
}

// Wrapper helpers to keep call sites simple.
func IncL2Tx() {
	L2TxFrames.Inc()
	atomic.AddUint64(&localL2Tx, 1)
}

func IncL2Rx() {
	L2RxFrames.Inc()
	atomic.AddUint64(&localL2Rx, 1)
}

func IncL2BadChecksum() {
	L2BadChecksum.Inc()
	atomic.AddUint64(&localBadCks, 1)
}

// IncAdapterChecksum counts adapter-level framing checksum failures.
func IncAdapterChecksum() {
	AdapterChecksum.Inc()
	atomic.AddUint64(&localAdapterCks, 1)
}

// IncNegative counts a negative response; code is the raw response code byte.
func IncNegative(code string) {
	NegativeResponses.WithLabelValues(code).Inc()
	atomic.AddUint64(&localNegative, 1)
}

func IncBusyRetry() {
	BusyRetries.Inc()
	atomic.AddUint64(&localBusy, 1)
}

func IncPendingWait() {
	PendingWaits.Inc()
	atomic.AddUint64(&localPending, 1)
}

// IncKeepalive records one keepalive exchange.
func IncKeepalive(ok bool) {
	if ok {
		Keepalives.WithLabelValues("ok").Inc()
		atomic.AddUint64(&localKeepalive, 1)
		return
	}
	Keepalives.WithLabelValues("failed").Inc()
	atomic.AddUint64(&localKeepFail, 1)
}

// IncConnect records one connection attempt; result is an error kind or "ok".
func IncConnect(result string) {
	Connects.WithLabelValues(result).Inc()
	atomic.AddUint64(&localConnects, 1)
}

// SetConnState publishes the layer-2 state (0 closed, 1 connecting, 2 established).
func SetConnState(s int) {
	ConnState.Set(float64(s))
	atomic.StoreUint64(&localConnState, uint64(s))
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncWSRx() {
	WSRxFrames.Inc()
	atomic.AddUint64(&localWSRx, 1)
}

func IncWSTx() {
	WSTxFrames.Inc()
	atomic.AddUint64(&localWSTx, 1)
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register label series so the first increment is not a registration.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrWSRead, ErrWSWrite,
		ErrLinkRead, ErrLinkWrite, ErrRequest, ErrTxOverflow,
		ErrKeepalive, ErrConnect, ErrMonitorRecv,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	Keepalives.WithLabelValues("ok").Add(0)
	Keepalives.WithLabelValues("failed").Add(0)
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // not wired yet: report ready so probes don't flap during startup
		return true
	}
	return fn()
}
