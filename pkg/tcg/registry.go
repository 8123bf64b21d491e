package tcg

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ClusterRegistry maps each accepted endpoint address to its lazily created ClusterHandle.
// Handles are only created and removed inside reconciliation.
type ClusterRegistry struct {
	factory              ClusterFactory
	clusters             cmap.ConcurrentMap
	maxConcurrentCreates int
	logger               *logrus.Entry
	errorHandler         func(error)
	teardowns            *sync.WaitGroup
	ctx                  context.Context
	cancel               context.CancelFunc
}

// NewClusterRegistry creates a ClusterRegistry around a ClusterFactory.
// A maxConcurrentCreates of zero creates every new handle in parallel.
func NewClusterRegistry(
	factory ClusterFactory,
	maxConcurrentCreates int,
	logger *logrus.Entry,
	errorHandler func(error)) *ClusterRegistry {

	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ClusterRegistry{
		factory:              factory,
		clusters:             cmap.New(),
		maxConcurrentCreates: maxConcurrentCreates,
		logger:               logger,
		errorHandler:         errorHandler,
		teardowns:            &sync.WaitGroup{},
		ctx:                  ctx,
		cancel:               cancel,
	}
}

// CreateClustersForEndpoints creates a handle for every endpoint. Creations run concurrently and
// independently: a failed endpoint is logged and left out of the result without affecting the others.
func (cr *ClusterRegistry) CreateClustersForEndpoints(ctx context.Context, endpoints EndpointCollection) map[string]ClusterHandle {

	created := make(map[string]ClusterHandle, endpoints.Len())
	if endpoints.IsEmpty() {
		return created
	}

	createdLock := &sync.Mutex{}
	group := &errgroup.Group{}
	if cr.maxConcurrentCreates > 0 {
		group.SetLimit(cr.maxConcurrentCreates)
	}

	for _, endpoint := range endpoints.Endpoints() {
		endpoint := endpoint
		group.Go(func() error {

			cluster, err := cr.factory.CreateCluster(ctx, endpoint)
			if err != nil {
				cr.handleError(fmt.Errorf("unable to create cluster for endpoint %s: %w", endpoint.Address, err))
				return nil
			}

			createdLock.Lock()
			created[endpoint.Address] = cluster
			createdLock.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	for address, cluster := range created {
		if !cr.clusters.SetIfAbsent(address, cluster) {
			// lost to an existing handle, keep the existing one
			delete(created, address)
			cr.teardown(address, cluster)
			continue
		}

		cr.logger.WithField("endpoint", address).Debug("created cluster")
	}

	return created
}

// RemoveClustersWithNoMatchingEndpoint tears down every handle whose endpoint is not in live.
// Handles leave the registry immediately; closing them happens in the background and failures are only logged.
func (cr *ClusterRegistry) RemoveClustersWithNoMatchingEndpoint(live EndpointCollection) {

	for _, address := range cr.clusters.Keys() {
		if live.Contains(address) {
			continue
		}

		value, ok := cr.clusters.Pop(address)
		if !ok {
			continue
		}

		cr.teardown(address, value.(ClusterHandle))
	}
}

func (cr *ClusterRegistry) teardown(address string, cluster ClusterHandle) {

	cr.teardowns.Add(1)
	go func() {
		defer cr.teardowns.Done()

		logger := cr.logger.WithField("endpoint", address)

		select {
		case err := <-cluster.CloseAsync():
			if err != nil {
				clusterTeardowns.WithLabelValues("error").Inc()
				cr.handleError(fmt.Errorf("unable to close cluster for endpoint %s: %w", address, err))
				return
			}

			clusterTeardowns.WithLabelValues("closed").Inc()
			logger.Debug("closed cluster")
		case <-cr.ctx.Done():
			clusterTeardowns.WithLabelValues("cancelled").Inc()
			logger.Debug("stopped waiting on cluster teardown")
		}
	}()
}

// HasCluster reports whether a handle exists for the address.
func (cr *ClusterRegistry) HasCluster(address string) bool {
	return cr.clusters.Has(address)
}

// GetCluster finds the handle for an address.
func (cr *ClusterRegistry) GetCluster(address string) (ClusterHandle, bool) {

	value, ok := cr.clusters.Get(address)
	if !ok {
		return nil, false
	}

	return value.(ClusterHandle), true
}

// FirstAvailable returns the first handle (by address) that has an available host, or nil.
func (cr *ClusterRegistry) FirstAvailable() ClusterHandle {

	for _, address := range cr.sortedKeys() {
		if cluster, ok := cr.GetCluster(address); ok && cluster.Available() {
			return cluster
		}
	}

	return nil
}

// Len is the number of registered handles.
func (cr *ClusterRegistry) Len() int {
	return cr.clusters.Count()
}

// WaitForTeardowns blocks until every background teardown has finished or been cancelled.
func (cr *ClusterRegistry) WaitForTeardowns() {
	cr.teardowns.Wait()
}

// Shutdown stops waiting on background teardowns and empties the registry.
// Handles not in closedElsewhere are torn down, the rest are assumed closed by the caller.
func (cr *ClusterRegistry) Shutdown(closedElsewhere EndpointCollection) {

	cr.cancel()

	wg := &sync.WaitGroup{}
	for _, address := range cr.clusters.Keys() {
		value, ok := cr.clusters.Pop(address)
		if !ok || closedElsewhere.Contains(address) {
			continue
		}

		wg.Add(1)
		go func(cluster ClusterHandle) {
			defer wg.Done()
			<-cluster.CloseAsync()
		}(value.(ClusterHandle))
	}

	wg.Wait()
	cr.teardowns.Wait()
}

func (cr *ClusterRegistry) sortedKeys() []string {
	keys := cr.clusters.Keys()
	sort.Strings(keys)
	return keys
}

func (cr *ClusterRegistry) String() string {

	builder := &strings.Builder{}
	for _, address := range cr.sortedKeys() {
		cluster, ok := cr.GetCluster(address)
		if !ok {
			continue
		}

		fmt.Fprintf(builder, "  {address: %s, isAvailable: %t}\n", address, cluster.Available())
	}

	return strings.TrimSuffix(builder.String(), "\n")
}

func (cr *ClusterRegistry) handleError(err error) {
	cr.logger.WithError(err).Warn("cluster registry")
	if cr.errorHandler != nil {
		cr.errorHandler(err)
	}
}
