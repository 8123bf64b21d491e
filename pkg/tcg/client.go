package tcg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// AcquireState is the phase of one ChooseConnection call.
type AcquireState int

const (
	// WaitingForEndpoints means the current snapshot has no endpoint clients.
	WaitingForEndpoints AcquireState = iota
	// SelectingConnection means a client was picked and a connection is being borrowed.
	SelectingConnection
	// Succeeded means a connection was returned.
	Succeeded
	// Failed means an error was returned.
	Failed
)

func (as AcquireState) String() string {
	switch as {
	case WaitingForEndpoints:
		return "WAITING_FOR_ENDPOINTS"
	case SelectingConnection:
		return "SELECTING_CONNECTION"
	case Succeeded:
		return "SUCCEEDED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// DefaultClientName labels the metrics of a Client built without a Name.
const DefaultClientName = "default"

// ClientOptions holds what a Client is built from.
type ClientOptions struct {
	Name                 string // client label on the snapshot gauges, keep it unique per process
	AcquireConfig        *AcquireConfig
	ClusterFactory       ClusterFactory
	EndpointFilter       EndpointFilter
	EagerRefreshHandler  EagerRefreshHandler
	MaxConcurrentCreates int
	Logger               *logrus.Entry
	ErrorHandler         func(error) // called for isolated per-endpoint failures
}

// Client is the self-healing connection pool in front of a changing set of graph servers.
// Readers use the current EndpointClientSnapshot without locking; RefreshEndpoints replaces it.
type Client struct {
	snapshot       atomic.Pointer[EndpointClientSnapshot]
	index          atomic.Uint64
	closing        atomic.Pointer[CloseSignal]
	closed         chan struct{}
	refreshLock    *sync.Mutex
	registry       *ClusterRegistry
	attemptManager *ConnectionAttemptManager
	filter         EndpointFilter
	acquireBackoff time.Duration
	logger         *logrus.Entry
	errorHandler   func(error)
	initialized    bool
	name           string
}

// NewClient creates a Client with an empty snapshot. Call RefreshEndpoints to give it endpoints.
func NewClient(options *ClientOptions) (*Client, error) {

	if options == nil || options.ClusterFactory == nil {
		return nil, errors.New("client clusterfactory can't be nil")
	}

	acquireConfig := options.AcquireConfig
	if acquireConfig == nil {
		acquireConfig = NewAcquireConfig()
	}

	if acquireConfig.MaxWaitForConnection == 0 || acquireConfig.AcquireConnectionBackoff == 0 {
		return nil, errors.New("client maxwaitforconnection or acquireconnectionbackoff can't be 0")
	}

	filter := options.EndpointFilter
	if filter == nil {
		filter = AcceptAllEndpointFilter{}
	}

	logger := options.Logger
	if logger == nil {
		logger = logrus.WithField("component", "gremlin-client")
	}

	name := options.Name
	if name == "" {
		name = DefaultClientName
	}

	cl := &Client{
		closed:         make(chan struct{}),
		refreshLock:    &sync.Mutex{},
		filter:         filter,
		acquireBackoff: acquireConfig.acquireConnectionBackoff(),
		logger:         logger,
		errorHandler:   options.ErrorHandler,
		name:           name,
	}

	cl.snapshot.Store(newEmptySnapshot())
	cl.registry = NewClusterRegistry(
		options.ClusterFactory,
		options.MaxConcurrentCreates,
		logger.WithField("component", "cluster-registry"),
		options.ErrorHandler)
	cl.attemptManager = NewConnectionAttemptManager(
		cl,
		acquireConfig,
		options.EagerRefreshHandler,
		logger.WithField("component", "connection-attempt-manager"))

	logger.Infof("availableEndpointFilter: %v", filter)

	return cl, nil
}

// NewClientFromConfig creates a Client talking websocket to every endpoint, as described by config.
func NewClientFromConfig(config *GremlinSeasoning, eagerRefreshHandler EagerRefreshHandler, errorHandler func(error)) (*Client, error) {

	if config == nil {
		config = NewGremlinSeasoning()
	}

	if config.ClusterConfig == nil {
		config.ClusterConfig = NewClusterConfig()
	}

	logger := logrus.WithField("component", "gremlin-client")

	factory, err := NewWSClusterFactory(config.ClusterConfig, logger.WithField("component", "ws-cluster"))
	if err != nil {
		return nil, err
	}

	return NewClient(&ClientOptions{
		Name:                 config.ClusterConfig.ApplicationName,
		AcquireConfig:        config.AcquireConfig,
		ClusterFactory:       factory,
		EndpointFilter:       NewEndpointFilterFromConfig(config.FilterConfig),
		EagerRefreshHandler:  eagerRefreshHandler,
		MaxConcurrentCreates: int(config.ClusterConfig.MaxConcurrentCreates),
		Logger:               logger,
		ErrorHandler:         errorHandler,
	})
}

// Init marks the client initialized. Endpoint clients connect when they are created, so there is no
// other warm-up to do.
func (cl *Client) Init() *Client {
	cl.refreshLock.Lock()
	defer cl.refreshLock.Unlock()

	if cl.initialized {
		return cl
	}

	cl.logger.Debug("initializing internal clients")
	cl.initialized = true

	return cl
}

// RefreshEndpoints reconciles the pool against a new candidate set. Overlapping calls serialize.
// Surviving endpoint clients are reused as is, handles are created for new endpoints, the new snapshot
// is published and only then are handles of vanished endpoints torn down.
// Does nothing once the client is closing.
func (cl *Client) RefreshEndpoints(ctx context.Context, endpoints EndpointCollection) {
	cl.refreshLock.Lock()
	defer cl.refreshLock.Unlock()

	if cl.IsClosing() {
		return
	}

	filter := newEmptyEndpointFilter(cl.filter)
	current := cl.snapshot.Load()

	enrichedEndpoints := endpoints.Enrich(filter)
	acceptedEndpoints := enrichedEndpoints.Accepted()
	rejectedEndpoints := enrichedEndpoints.Rejected()

	survivingClients := current.SurvivingEndpointClients(acceptedEndpoints)

	newEndpoints := acceptedEndpoints.EndpointsWithNoCluster(cl.registry)
	newClusters := cl.registry.CreateClustersForEndpoints(ctx, newEndpoints)
	newClients := NewEndpointClients(newClusters)

	next := NewEndpointClientSnapshot(append(survivingClients, newClients...), rejectedEndpoints)

	cl.snapshot.Store(next)
	current.supersede()

	snapshotEndpoints.WithLabelValues(cl.name).Set(float64(next.Len()))
	snapshotRejectedEndpoints.WithLabelValues(cl.name).Set(float64(len(next.RejectionReasons())))

	cl.registry.RemoveClustersWithNoMatchingEndpoint(next.Endpoints())

	cl.logger.WithFields(logrus.Fields{
		"candidates": endpoints.Len(),
		"surviving":  len(survivingClients),
		"created":    len(newClients),
		"rejected":   len(next.RejectionReasons()),
	}).Info("refreshed endpoints")
}

// Snapshot returns the current snapshot.
func (cl *Client) Snapshot() *EndpointClientSnapshot {
	return cl.snapshot.Load()
}

// ChooseConnection blocks until a connection can take msg, polling with the configured backoff.
// It fails with an *EndpointsUnavailableError when the wait runs out while every known endpoint is
// rejected, ErrAcquireTimeout when it runs out otherwise, ErrPoolClosed once the client is closing and
// ctx.Err() when ctx is done. Transport errors are returned unmodified. ErrClusterClosed from a handle
// that a refresh retired is not a transport error; the wait goes on against the newer snapshot.
//
// A discovery round that returned no endpoints at all counts as a rejection under the key "*"
// (no endpoints discovered), so running out of time after it yields an *EndpointsUnavailableError
// rather than ErrAcquireTimeout.
func (cl *Client) ChooseConnection(ctx context.Context, msg *RequestMessage) (Connection, error) {

	start := time.Now()
	cl.logger.Debug("choosing connection")

	for {
		if cl.IsClosing() {
			return nil, cl.acquireFailed(start, "closed", ErrPoolClosed)
		}

		snapshot := cl.snapshot.Load()

		for snapshot.IsEmpty() {

			if cl.attemptManager.MaxWaitTimeExceeded(start) {
				if snapshot.HasRejectedEndpoints() {
					return nil, cl.acquireFailed(start, "endpoints_unavailable", NewEndpointsUnavailableError(snapshot.RejectionReasons()))
				}

				return nil, cl.acquireFailed(start, "timeout", ErrAcquireTimeout)
			}

			if cl.attemptManager.EagerRefreshWaitTimeExceeded(start) {
				cl.attemptManager.TriggerEagerRefresh(EagerRefreshContext{Requested: time.Now(), Waited: time.Since(start)})
			}

			cl.logger.WithField("state", WaitingForEndpoints).Trace("no endpoint clients yet")
			if err := cl.backoff(ctx, snapshot); err != nil {
				return nil, cl.acquireFailed(start, resultFor(err), err)
			}

			snapshot = cl.snapshot.Load()
		}

		cl.logger.WithField("state", SelectingConnection).Trace("selecting endpoint client")
		connection, err := snapshot.ChooseConnection(msg, cl.roundRobin)
		if errors.Is(err, ErrClusterClosed) {
			// retired by a refresh after this snapshot was loaded
			cl.logger.WithField("state", SelectingConnection).Debug("endpoint client closed under a stale snapshot, retrying")
			connection, err = nil, nil
		}

		if err != nil {
			return nil, cl.acquireFailed(start, "error", err)
		}

		if connection != nil {
			acquisitions.WithLabelValues("success").Inc()
			acquireWait.Observe(time.Since(start).Seconds())
			cl.logger.WithField("state", Succeeded).Debugf("Connection: %s [%d ms]", connection.ConnectionInfo(), time.Since(start).Milliseconds())
			return connection, nil
		}

		if cl.attemptManager.MaxWaitTimeExceeded(start) {
			return nil, cl.acquireFailed(start, "timeout", ErrAcquireTimeout)
		}

		if cl.attemptManager.EagerRefreshWaitTimeExceeded(start) {
			cl.attemptManager.TriggerEagerRefresh(EagerRefreshContext{Requested: time.Now(), Waited: time.Since(start)})
		}

		if err := cl.backoff(ctx, snapshot); err != nil {
			return nil, cl.acquireFailed(start, resultFor(err), err)
		}
	}
}

// roundRobin picks by the shared counter, modulo the size of the slice it is handed.
func (cl *Client) roundRobin(clients []*EndpointClient) *EndpointClient {
	return clients[(cl.index.Add(1)-1)%uint64(len(clients))]
}

// backoff sleeps for the acquire backoff. A newly published snapshot cuts the sleep short.
func (cl *Client) backoff(ctx context.Context, snapshot *EndpointClientSnapshot) error {

	timer := time.NewTimer(cl.acquireBackoff)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-snapshot.Superseded():
	case <-cl.closed:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

func (cl *Client) acquireFailed(start time.Time, result string, err error) error {

	acquisitions.WithLabelValues(result).Inc()
	acquireWait.Observe(time.Since(start).Seconds())
	cl.logger.WithError(err).WithField("state", Failed).Debug("unable to choose connection")

	return err
}

func resultFor(err error) string {
	if errors.Is(err, ErrPoolClosed) {
		return "closed"
	}

	return "cancelled"
}

// Alias returns a client that routes requests to the given graph or traversal source.
func (cl *Client) Alias(graphOrTraversalSource string) *AliasClient {
	return cl.AliasWithMap(map[string]string{"g": graphOrTraversalSource})
}

// AliasWithMap returns a client that routes requests with the given aliases.
func (cl *Client) AliasWithMap(aliases map[string]string) *AliasClient {
	return newAliasClient(cl, aliases)
}

// IsClosing reports whether CloseAsync has been called.
func (cl *Client) IsClosing() bool {
	return cl.closing.Load() != nil
}

// CloseAsync starts shutting the client down and returns the signal that completes once every
// endpoint client's transport is closed. Calling it again returns the same signal.
func (cl *Client) CloseAsync() *CloseSignal {

	signal := newCloseSignal()
	if !cl.closing.CompareAndSwap(nil, signal) {
		return cl.closing.Load()
	}

	close(cl.closed)
	cl.attemptManager.ShutdownNow()

	go func() {
		cl.attemptManager.Wait()

		// any reconciliation in flight finishes first, later ones are no-ops
		cl.refreshLock.Lock()
		snapshot := cl.snapshot.Load()
		cl.refreshLock.Unlock()

		group := &errgroup.Group{}
		for _, endpointClient := range snapshot.Clients() {
			endpointClient := endpointClient
			group.Go(func() error {
				return <-endpointClient.CloseAsync()
			})
		}

		err := group.Wait()
		cl.registry.Shutdown(snapshot.Endpoints())

		snapshotEndpoints.DeleteLabelValues(cl.name)
		snapshotRejectedEndpoints.DeleteLabelValues(cl.name)

		if err != nil {
			cl.logger.WithError(err).Warn("closing endpoint clients")
		}
		cl.logger.Info("client closed")

		signal.complete(err)
	}()

	return signal
}

// Close shuts the client down and waits for it to finish.
func (cl *Client) Close() error {
	return cl.CloseAsync().Wait()
}

// EndpointStatus is the availability of one endpoint client.
type EndpointStatus struct {
	Address     string `json:"Address"`
	IsAvailable bool   `json:"IsAvailable"`
}

// Status lists the availability of every endpoint client in the current snapshot.
func (cl *Client) Status() []EndpointStatus {

	clients := cl.snapshot.Load().Clients()
	statuses := make([]EndpointStatus, 0, len(clients))
	for _, client := range clients {
		statuses = append(statuses, EndpointStatus{
			Address:     client.Endpoint().Address,
			IsAvailable: client.Available(),
		})
	}

	return statuses
}

func (cl *Client) String() string {

	builder := &strings.Builder{}
	builder.WriteString("Client holder queue:\n")
	for _, status := range cl.Status() {
		fmt.Fprintf(builder, "  {address: %s, isAvailable: %t}\n", status.Address, status.IsAvailable)
	}

	builder.WriteString("Cluster collection:\n")
	builder.WriteString(cl.registry.String())

	return builder.String()
}

// CloseSignal completes when a Client has finished closing.
type CloseSignal struct {
	done chan struct{}
	err  error
}

func newCloseSignal() *CloseSignal {
	return &CloseSignal{done: make(chan struct{})}
}

func (cs *CloseSignal) complete(err error) {
	cs.err = err
	close(cs.done)
}

// Done is closed once closing has finished.
func (cs *CloseSignal) Done() <-chan struct{} {
	return cs.done
}

// Wait blocks until closing has finished and returns the first close error.
func (cs *CloseSignal) Wait() error {
	<-cs.done
	return cs.err
}

// Err returns the close error once closing has finished, nil before that.
func (cs *CloseSignal) Err() error {
	select {
	case <-cs.done:
		return cs.err
	default:
		return nil
	}
}
