package tcg

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer accepts websocket upgrades on any path and echoes every frame back.
type echoServer struct {
	server   *httptest.Server
	upgrades atomic.Int32
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()

	es := &echoServer{}
	upgrader := websocket.Upgrader{}

	es.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		es.upgrades.Add(1)
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			if err := conn.WriteMessage(messageType, data); err != nil {
				return
			}
		}
	}))

	return es
}

func (es *echoServer) address() string {
	return strings.TrimPrefix(es.server.URL, "http://")
}

func (es *echoServer) Close() {
	es.server.CloseClientConnections()
	es.server.Close()
}

func newTestWSClusterFactory(t *testing.T, connections uint64) *WSClusterFactory {
	t.Helper()

	config := NewClusterConfig()
	config.MaxConnectionsPerEndpoint = connections
	config.ConnectionTimeout = 2

	factory, err := NewWSClusterFactory(config, testLogger())
	require.NoError(t, err)

	return factory
}

func TestNewWSClusterFactoryValidation(t *testing.T) {

	_, err := NewWSClusterFactory(nil, nil)
	assert.Error(t, err)

	config := NewClusterConfig()
	config.MaxConnectionsPerEndpoint = 0
	_, err = NewWSClusterFactory(config, nil)
	assert.Error(t, err)

	config = NewClusterConfig()
	config.ConnectionTimeout = 0
	_, err = NewWSClusterFactory(config, nil)
	assert.Error(t, err)

	config = NewClusterConfig()
	config.TLSConfig = &TLSConfig{EnableTLS: true, PEMCertLocation: "testdata/missing.pem"}
	_, err = NewWSClusterFactory(config, nil)
	assert.Error(t, err)
}

func TestWSClusterEndpointURL(t *testing.T) {

	factory := newTestWSClusterFactory(t, 1)

	assert.Equal(t, "ws://a:8182/gremlin", factory.endpointURL(NewEndpoint("a:8182")))
	assert.Equal(t, "wss://b:8182/g", factory.endpointURL(NewEndpoint("wss://b:8182/g")))

	factory.Config.Path = "gremlin"
	factory.Config.Scheme = ""
	assert.Equal(t, "ws://a:8182/gremlin", factory.endpointURL(NewEndpoint("a:8182")))
}

func TestWSClusterBorrowSubmitReceive(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	server := newEchoServer(t)
	defer server.Close()

	factory := newTestWSClusterFactory(t, 2)
	cluster, err := factory.CreateCluster(context.Background(), NewEndpoint(server.address()))
	require.NoError(t, err)
	defer func() { <-cluster.CloseAsync() }()

	assert.Eventually(t, func() bool { return server.upgrades.Load() == 2 }, time.Second, time.Millisecond)
	assert.True(t, cluster.Available())

	msg := NewEvalRequest("g.V().count()", nil)
	connection, err := cluster.Borrow(msg)
	require.NoError(t, err)
	require.NotNil(t, connection)

	wsConnection, ok := connection.(*WSConnection)
	require.True(t, ok)
	assert.Equal(t, server.address(), wsConnection.Endpoint().Address)
	assert.Contains(t, wsConnection.ConnectionInfo(), "TurboCookedGremlin-")

	require.NoError(t, wsConnection.Submit(msg))
	response, err := wsConnection.Receive()
	require.NoError(t, err)

	expected, err := msg.Serialize(DefaultMimeType)
	require.NoError(t, err)

	prefix := 1 + len(DefaultMimeType)
	require.Greater(t, len(response), prefix)
	assert.Equal(t, expected[:prefix], response[:prefix])
	assert.JSONEq(t, string(expected[prefix:]), string(response[prefix:]))

	wsConnection.Release(false)
}

func TestWSClusterBorrowReturnsNothingWhenExhausted(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	server := newEchoServer(t)
	defer server.Close()

	factory := newTestWSClusterFactory(t, 2)
	cluster, err := factory.CreateCluster(context.Background(), NewEndpoint(server.address()))
	require.NoError(t, err)
	defer func() { <-cluster.CloseAsync() }()

	msg := NewEvalRequest("g.V()", nil)
	first, err := cluster.Borrow(msg)
	require.NoError(t, err)
	second, err := cluster.Borrow(msg)
	require.NoError(t, err)

	third, err := cluster.Borrow(msg)
	assert.NoError(t, err)
	assert.Nil(t, third)

	first.Release(false)
	fourth, err := cluster.Borrow(msg)
	assert.NoError(t, err)
	assert.Same(t, first, fourth)

	second.Release(false)
	fourth.Release(false)
}

func TestWSClusterRedialsFlaggedConnection(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	server := newEchoServer(t)
	defer server.Close()

	factory := newTestWSClusterFactory(t, 1)
	cluster, err := factory.CreateCluster(context.Background(), NewEndpoint(server.address()))
	require.NoError(t, err)
	defer func() { <-cluster.CloseAsync() }()

	msg := NewEvalRequest("g.V()", nil)
	connection, err := cluster.Borrow(msg)
	require.NoError(t, err)
	connection.Release(true)

	redialed, err := cluster.Borrow(msg)
	require.NoError(t, err)
	require.NotNil(t, redialed)
	assert.Eventually(t, func() bool { return server.upgrades.Load() == 2 }, time.Second, time.Millisecond)

	wsConnection := redialed.(*WSConnection)
	require.NoError(t, wsConnection.Submit(msg))
	_, err = wsConnection.Receive()
	assert.NoError(t, err)

	redialed.Release(false)
}

func TestWSClusterCloseAsync(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	server := newEchoServer(t)
	defer server.Close()

	factory := newTestWSClusterFactory(t, 2)
	cluster, err := factory.CreateCluster(context.Background(), NewEndpoint(server.address()))
	require.NoError(t, err)

	msg := NewEvalRequest("g.V()", nil)
	borrowed, err := cluster.Borrow(msg)
	require.NoError(t, err)

	first := cluster.CloseAsync()
	second := cluster.CloseAsync()
	assert.NoError(t, <-first)
	_, open := <-second
	assert.False(t, open)

	assert.False(t, cluster.Available())
	assert.True(t, borrowed.(*WSConnection).IsClosed(), "borrowed connections close too")

	_, err = cluster.Borrow(msg)
	assert.ErrorIs(t, err, ErrClusterClosed)

	borrowed.Release(false)
}

func TestWSClusterCreateFailsForUnreachableEndpoint(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	server := newEchoServer(t)
	address := server.address()
	server.Close()

	factory := newTestWSClusterFactory(t, 2)
	cluster, err := factory.CreateCluster(context.Background(), NewEndpoint(address))

	assert.Nil(t, cluster)
	assert.Error(t, err)
}

func TestClientOverWebsocketClusters(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	first := newEchoServer(t)
	defer first.Close()
	second := newEchoServer(t)
	defer second.Close()

	config := NewGremlinSeasoning()
	config.AcquireConfig = testAcquireConfig(2000, 5)
	config.ClusterConfig.MaxConnectionsPerEndpoint = 1
	config.FilterConfig.Blocklist = map[string]string{second.address(): "maintenance"}

	client, err := NewClientFromConfig(config, nil, nil)
	require.NoError(t, err)

	client.RefreshEndpoints(context.Background(), NewEndpointCollectionFromAddresses(first.address(), second.address()))
	assert.Equal(t, map[string]string{second.address(): "maintenance"}, client.Snapshot().RejectionReasons())

	msg := NewEvalRequest("g.V().count()", nil)
	connection, err := client.ChooseConnection(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, first.address(), connection.Endpoint().Address)

	wsConnection := connection.(*WSConnection)
	require.NoError(t, wsConnection.Submit(msg))
	_, err = wsConnection.Receive()
	require.NoError(t, err)
	wsConnection.Release(false)

	assert.NoError(t, client.Close())
	assert.Equal(t, int32(0), second.upgrades.Load())
}
