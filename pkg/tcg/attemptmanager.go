package tcg

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Refreshable accepts a new candidate endpoint set.
type Refreshable interface {
	RefreshEndpoints(ctx context.Context, endpoints EndpointCollection)
}

// EagerRefreshContext describes the stalled acquisition that asked for an eager refresh.
type EagerRefreshContext struct {
	Requested time.Time
	Waited    time.Duration
}

// EagerRefreshHandler fetches a fresh candidate set when an eager refresh runs.
type EagerRefreshHandler func(ctx context.Context, eagerCtx EagerRefreshContext) (EndpointCollection, error)

// ConnectionAttemptManager tracks how long acquisitions have waited and runs eager refreshes on a
// single background worker. At most one eager refresh is in flight; overlapping requests are rejected.
type ConnectionAttemptManager struct {
	refreshable          Refreshable
	handler              EagerRefreshHandler
	maxWaitForConnection time.Duration
	eagerRefreshWaitTime time.Duration
	eagerRefreshBackoff  time.Duration
	refreshing           atomic.Bool
	lastRefresh          atomic.Int64 // unix nanos of the last finished refresh
	requests             chan EagerRefreshContext
	ctx                  context.Context
	cancel               context.CancelFunc
	workerDone           chan struct{}
	shutdownOnce         *sync.Once
	logger               *logrus.Entry
	now                  func() time.Time
}

// NewConnectionAttemptManager creates a ConnectionAttemptManager. A nil handler disables eager refresh.
func NewConnectionAttemptManager(
	refreshable Refreshable,
	config *AcquireConfig,
	handler EagerRefreshHandler,
	logger *logrus.Entry) *ConnectionAttemptManager {

	if config == nil {
		config = NewAcquireConfig()
	}

	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())

	cam := &ConnectionAttemptManager{
		refreshable:          refreshable,
		handler:              handler,
		maxWaitForConnection: config.maxWaitForConnection(),
		eagerRefreshWaitTime: config.eagerRefreshWaitTime(),
		eagerRefreshBackoff:  config.eagerRefreshBackoff(),
		requests:             make(chan EagerRefreshContext, 1),
		ctx:                  ctx,
		cancel:               cancel,
		workerDone:           make(chan struct{}),
		shutdownOnce:         &sync.Once{},
		logger:               logger,
		now:                  time.Now,
	}

	if handler != nil {
		go cam.refreshLoop()
	} else {
		close(cam.workerDone)
	}

	return cam
}

// MaxWaitTimeExceeded reports whether an acquisition started at start has waited past the ceiling.
func (cam *ConnectionAttemptManager) MaxWaitTimeExceeded(start time.Time) bool {
	return cam.now().Sub(start) > cam.maxWaitForConnection
}

// EagerRefreshWaitTimeExceeded reports whether an acquisition started at start has waited long enough
// to ask for an eager refresh. Always false when eager refresh is disabled.
func (cam *ConnectionAttemptManager) EagerRefreshWaitTimeExceeded(start time.Time) bool {
	if cam.handler == nil || cam.eagerRefreshWaitTime <= 0 {
		return false
	}

	return cam.now().Sub(start) > cam.eagerRefreshWaitTime
}

// TriggerEagerRefresh asks the background worker for a refresh. Returns false when the request was
// rejected: a refresh is already in flight, the last one finished within the backoff window, or the
// manager is shut down.
func (cam *ConnectionAttemptManager) TriggerEagerRefresh(eagerCtx EagerRefreshContext) bool {

	if cam.handler == nil || cam.ctx.Err() != nil {
		return false
	}

	if !cam.refreshing.CompareAndSwap(false, true) {
		eagerRefreshes.WithLabelValues("deduplicated").Inc()
		return false
	}

	if last := cam.lastRefresh.Load(); last > 0 && cam.now().Sub(time.Unix(0, last)) < cam.eagerRefreshBackoff {
		cam.refreshing.Store(false)
		eagerRefreshes.WithLabelValues("backoff").Inc()
		return false
	}

	select {
	case cam.requests <- eagerCtx:
		eagerRefreshes.WithLabelValues("started").Inc()
		return true
	default:
		cam.refreshing.Store(false)
		return false
	}
}

// Refreshing reports whether an eager refresh is in flight.
func (cam *ConnectionAttemptManager) Refreshing() bool {
	return cam.refreshing.Load()
}

func (cam *ConnectionAttemptManager) refreshLoop() {

	defer close(cam.workerDone)

	for {
		select {
		case <-cam.ctx.Done():
			return
		case eagerCtx := <-cam.requests:
			cam.runEagerRefresh(eagerCtx)
		}
	}
}

func (cam *ConnectionAttemptManager) runEagerRefresh(eagerCtx EagerRefreshContext) {

	defer func() {
		cam.lastRefresh.Store(cam.now().UnixNano())
		cam.refreshing.Store(false)
	}()

	cam.logger.WithField("waited", eagerCtx.Waited).Info("starting eager refresh")

	endpoints, err := cam.handler(cam.ctx, eagerCtx)
	if err != nil {
		eagerRefreshes.WithLabelValues("failed").Inc()
		cam.logger.WithError(err).Warn("eager refresh failed to fetch endpoints")
		return
	}

	if cam.ctx.Err() != nil {
		return
	}

	cam.refreshable.RefreshEndpoints(cam.ctx, endpoints)
}

// ShutdownNow cancels in-flight and pending refresh work. Safe to call more than once.
func (cam *ConnectionAttemptManager) ShutdownNow() {
	cam.shutdownOnce.Do(cam.cancel)
}

// Wait blocks until the background worker has exited after ShutdownNow.
func (cam *ConnectionAttemptManager) Wait() {
	<-cam.workerDone
}
