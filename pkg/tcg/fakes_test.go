package tcg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type fakeConnection struct {
	cluster *fakeCluster
	id      int64
}

func (fc *fakeConnection) Endpoint() Endpoint {
	return fc.cluster.endpoint
}

func (fc *fakeConnection) ConnectionInfo() string {
	return fmt.Sprintf("%s#%d", fc.cluster.endpoint.Address, fc.id)
}

func (fc *fakeConnection) Release(erred bool) {
	fc.cluster.borrowed.Add(-1)
}

type fakeCluster struct {
	endpoint  Endpoint
	capacity  int64 // 0 means unlimited
	borrowErr error
	closeErr  error
	borrowed  atomic.Int64
	borrows   atomic.Int64
	closeOnce *sync.Once
	closed    chan struct{}
	result    chan error
	onClose   func(address string)
	gate      *borrowGate
}

// borrowGate holds Borrow calls until released, like a transport waiting for a free connection.
type borrowGate struct {
	entered chan struct{}
	release chan struct{}
}

func newBorrowGate() *borrowGate {
	return &borrowGate{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func newFakeCluster(endpoint Endpoint) *fakeCluster {
	return &fakeCluster{
		endpoint:  endpoint,
		closeOnce: &sync.Once{},
		closed:    make(chan struct{}),
		result:    make(chan error, 1),
	}
}

func (fc *fakeCluster) Endpoint() Endpoint {
	return fc.endpoint
}

func (fc *fakeCluster) Borrow(msg *RequestMessage) (Connection, error) {

	if fc.gate != nil {
		select {
		case fc.gate.entered <- struct{}{}:
		default:
		}
		<-fc.gate.release
	}

	if fc.isClosed() {
		return nil, ErrClusterClosed
	}

	if fc.borrowErr != nil {
		return nil, fc.borrowErr
	}

	if fc.capacity > 0 && fc.borrowed.Load() >= fc.capacity {
		return nil, nil
	}

	fc.borrowed.Add(1)
	return &fakeConnection{cluster: fc, id: fc.borrows.Add(1)}, nil
}

func (fc *fakeCluster) Available() bool {
	return !fc.isClosed()
}

func (fc *fakeCluster) CloseAsync() <-chan error {

	fc.closeOnce.Do(func() {
		if fc.onClose != nil {
			fc.onClose(fc.endpoint.Address)
		}
		close(fc.closed)
		fc.result <- fc.closeErr
		close(fc.result)
	})

	return fc.result
}

func (fc *fakeCluster) isClosed() bool {
	select {
	case <-fc.closed:
		return true
	default:
		return false
	}
}

// fakeClusterFactory hands out fakeClusters and remembers every one it created.
type fakeClusterFactory struct {
	lock      *sync.Mutex
	clusters  map[string][]*fakeCluster
	failures  map[string]error
	capacity  int64
	borrowErr error
	delay     time.Duration
	inFlight  atomic.Int32
	maxFlight atomic.Int32
	onClose   func(address string)
	gates     map[string]*borrowGate
}

func newFakeClusterFactory() *fakeClusterFactory {
	return &fakeClusterFactory{
		lock:     &sync.Mutex{},
		clusters: make(map[string][]*fakeCluster),
		failures: make(map[string]error),
		gates:    make(map[string]*borrowGate),
	}
}

func (ff *fakeClusterFactory) CreateCluster(ctx context.Context, endpoint Endpoint) (ClusterHandle, error) {

	current := ff.inFlight.Add(1)
	defer ff.inFlight.Add(-1)
	for {
		seen := ff.maxFlight.Load()
		if current <= seen || ff.maxFlight.CompareAndSwap(seen, current) {
			break
		}
	}

	if ff.delay > 0 {
		time.Sleep(ff.delay)
	}

	ff.lock.Lock()
	defer ff.lock.Unlock()

	if err, ok := ff.failures[endpoint.Address]; ok {
		return nil, err
	}

	cluster := newFakeCluster(endpoint)
	cluster.capacity = ff.capacity
	cluster.borrowErr = ff.borrowErr
	cluster.onClose = ff.onClose
	cluster.gate = ff.gates[endpoint.Address]
	ff.clusters[endpoint.Address] = append(ff.clusters[endpoint.Address], cluster)

	return cluster, nil
}

func (ff *fakeClusterFactory) fail(address string, err error) {
	ff.lock.Lock()
	defer ff.lock.Unlock()
	ff.failures[address] = err
}

// gate makes every Borrow on clusters created for address wait for the returned gate.
func (ff *fakeClusterFactory) gate(address string) *borrowGate {
	ff.lock.Lock()
	defer ff.lock.Unlock()

	gate := newBorrowGate()
	ff.gates[address] = gate
	return gate
}

func (ff *fakeClusterFactory) created(address string) []*fakeCluster {
	ff.lock.Lock()
	defer ff.lock.Unlock()
	return append([]*fakeCluster(nil), ff.clusters[address]...)
}

func (ff *fakeClusterFactory) all() []*fakeCluster {
	ff.lock.Lock()
	defer ff.lock.Unlock()

	var clusters []*fakeCluster
	for _, created := range ff.clusters {
		clusters = append(clusters, created...)
	}

	return clusters
}

// recordingRefreshable records every candidate set it is handed.
type recordingRefreshable struct {
	lock  *sync.Mutex
	calls []EndpointCollection
}

func newRecordingRefreshable() *recordingRefreshable {
	return &recordingRefreshable{lock: &sync.Mutex{}}
}

func (rr *recordingRefreshable) RefreshEndpoints(ctx context.Context, endpoints EndpointCollection) {
	rr.lock.Lock()
	defer rr.lock.Unlock()
	rr.calls = append(rr.calls, endpoints)
}

func (rr *recordingRefreshable) count() int {
	rr.lock.Lock()
	defer rr.lock.Unlock()
	return len(rr.calls)
}

func (rr *recordingRefreshable) last() EndpointCollection {
	rr.lock.Lock()
	defer rr.lock.Unlock()
	if len(rr.calls) == 0 {
		return EndpointCollection{}
	}
	return rr.calls[len(rr.calls)-1]
}

var errConnectionRefused = errors.New("connection refused")

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logrus.NewEntry(logger)
}

func testAcquireConfig(maxWait, backoff uint32) *AcquireConfig {
	return &AcquireConfig{
		MaxWaitForConnection:     maxWait,
		EagerRefreshWaitTime:     -1,
		EagerRefreshBackoff:      5000,
		AcquireConnectionBackoff: backoff,
	}
}
