package tcg

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateClustersForEndpointsIsolatesFailures(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	factory := newFakeClusterFactory()
	factory.fail("b:8182", errConnectionRefused)

	var handled atomic.Int32
	registry := NewClusterRegistry(factory, 0, testLogger(), func(err error) {
		assert.ErrorIs(t, err, errConnectionRefused)
		handled.Add(1)
	})
	defer registry.Shutdown(EndpointCollection{})

	created := registry.CreateClustersForEndpoints(
		context.Background(),
		NewEndpointCollectionFromAddresses("a:8182", "b:8182", "c:8182"))

	assert.Len(t, created, 2)
	assert.Contains(t, created, "a:8182")
	assert.Contains(t, created, "c:8182")
	assert.Equal(t, int32(1), handled.Load())
	assert.Equal(t, 2, registry.Len())
	assert.False(t, registry.HasCluster("b:8182"))
}

func TestCreateClustersRespectsConcurrencyLimit(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	factory := newFakeClusterFactory()
	factory.delay = 20 * time.Millisecond

	registry := NewClusterRegistry(factory, 2, testLogger(), nil)
	defer registry.Shutdown(EndpointCollection{})

	created := registry.CreateClustersForEndpoints(
		context.Background(),
		NewEndpointCollectionFromAddresses("a", "b", "c", "d", "e", "f"))

	assert.Len(t, created, 6)
	assert.LessOrEqual(t, factory.maxFlight.Load(), int32(2))
}

func TestCreateClustersKeepsExistingHandle(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	factory := newFakeClusterFactory()
	registry := NewClusterRegistry(factory, 0, testLogger(), nil)
	defer registry.Shutdown(EndpointCollection{})

	endpoints := NewEndpointCollectionFromAddresses("a:8182")
	first := registry.CreateClustersForEndpoints(context.Background(), endpoints)
	second := registry.CreateClustersForEndpoints(context.Background(), endpoints)
	registry.WaitForTeardowns()

	assert.Len(t, first, 1)
	assert.Empty(t, second)

	existing, ok := registry.GetCluster("a:8182")
	require.True(t, ok)
	assert.Same(t, first["a:8182"], existing)

	clusters := factory.created("a:8182")
	require.Len(t, clusters, 2)
	assert.False(t, clusters[0].isClosed())
	assert.True(t, clusters[1].isClosed(), "the losing handle is torn down")
}

func TestRemoveClustersWithNoMatchingEndpoint(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	factory := newFakeClusterFactory()
	registry := NewClusterRegistry(factory, 0, testLogger(), nil)
	defer registry.Shutdown(EndpointCollection{})

	registry.CreateClustersForEndpoints(context.Background(), NewEndpointCollectionFromAddresses("a:8182", "b:8182"))
	registry.RemoveClustersWithNoMatchingEndpoint(NewEndpointCollectionFromAddresses("a:8182"))
	registry.WaitForTeardowns()

	assert.True(t, registry.HasCluster("a:8182"))
	assert.False(t, registry.HasCluster("b:8182"))
	assert.False(t, factory.created("a:8182")[0].isClosed())
	assert.True(t, factory.created("b:8182")[0].isClosed())
}

func TestEndpointsWithNoCluster(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	registry := NewClusterRegistry(newFakeClusterFactory(), 0, testLogger(), nil)
	defer registry.Shutdown(EndpointCollection{})

	registry.CreateClustersForEndpoints(context.Background(), NewEndpointCollectionFromAddresses("a:8182"))

	missing := NewEndpointCollectionFromAddresses("a:8182", "b:8182").EndpointsWithNoCluster(registry)
	assert.Equal(t, []string{"b:8182"}, missing.Addresses())
}

func TestShutdownClosesLeftoverClusters(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	factory := newFakeClusterFactory()
	registry := NewClusterRegistry(factory, 0, testLogger(), nil)

	registry.CreateClustersForEndpoints(context.Background(), NewEndpointCollectionFromAddresses("a:8182", "b:8182"))
	registry.Shutdown(NewEndpointCollectionFromAddresses("a:8182"))

	assert.Equal(t, 0, registry.Len())
	assert.False(t, factory.created("a:8182")[0].isClosed(), "closed by the caller")
	assert.True(t, factory.created("b:8182")[0].isClosed())
}

func TestFirstAvailable(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	factory := newFakeClusterFactory()
	registry := NewClusterRegistry(factory, 0, testLogger(), nil)
	defer registry.Shutdown(EndpointCollection{})

	assert.Nil(t, registry.FirstAvailable())

	registry.CreateClustersForEndpoints(context.Background(), NewEndpointCollectionFromAddresses("b:8182", "a:8182"))
	<-factory.created("a:8182")[0].CloseAsync()

	first := registry.FirstAvailable()
	require.NotNil(t, first)
	assert.Equal(t, "b:8182", first.Endpoint().Address)
	assert.Equal(t, "  {address: a:8182, isAvailable: false}\n  {address: b:8182, isAvailable: true}", registry.String())
}
