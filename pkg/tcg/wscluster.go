package tcg

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WSClusterFactory creates websocket clusters to Gremlin Server endpoints.
type WSClusterFactory struct {
	Config        ClusterConfig
	dialer        *websocket.Dialer
	writeTimeout  time.Duration
	borrowTimeout time.Duration
	logger        *logrus.Entry
}

// NewWSClusterFactory creates hosting structure for websocket clusters.
func NewWSClusterFactory(config *ClusterConfig, logger *logrus.Entry) (*WSClusterFactory, error) {

	if config == nil {
		return nil, errors.New("clusterconfig can't be nil")
	}

	if config.ConnectionTimeout == 0 {
		return nil, errors.New("cluster connectiontimeout can't be 0")
	}

	if config.MaxConnectionsPerEndpoint == 0 {
		return nil, errors.New("cluster maxconnectionsperendpoint can't be 0")
	}

	tlsConfig, err := CreateTLSConfig(config.TLSConfig)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = logrus.WithField("component", "ws-cluster")
	}

	borrowTimeout := time.Duration(config.BorrowTimeout) * time.Millisecond
	if borrowTimeout <= 0 {
		borrowTimeout = time.Millisecond // queue.Poll waits forever on zero
	}

	return &WSClusterFactory{
		Config: *config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: time.Duration(config.ConnectionTimeout) * time.Second,
			TLSClientConfig:  tlsConfig,
		},
		writeTimeout:  time.Duration(config.WriteTimeout) * time.Second,
		borrowTimeout: borrowTimeout,
		logger:        logger,
	}, nil
}

// CreateCluster dials MaxConnectionsPerEndpoint connections to the endpoint. Any failed dial fails
// the whole cluster and closes what was already opened.
func (f *WSClusterFactory) CreateCluster(ctx context.Context, endpoint Endpoint) (ClusterHandle, error) {

	cluster := &wsCluster{
		endpoint:    endpoint,
		url:         f.endpointURL(endpoint),
		factory:     f,
		connections: queue.New(int64(f.Config.MaxConnectionsPerEndpoint)),
		flagged:     make(map[uint64]bool),
		flagLock:    &sync.RWMutex{},
		closeOnce:   &sync.Once{},
		closeResult: make(chan error, 1),
	}

	for i := uint64(0); i < f.Config.MaxConnectionsPerEndpoint; i++ {

		connection := &WSConnection{
			ConnectionID: i,
			cluster:      cluster,
			connLock:     &sync.Mutex{},
		}

		if err := connection.connect(ctx); err != nil {
			cluster.closeAll()
			return nil, err
		}

		cluster.all = append(cluster.all, connection)
		if err := cluster.connections.Put(connection); err != nil {
			cluster.closeAll()
			return nil, err
		}
	}

	f.logger.WithField("endpoint", endpoint.Address).Debugf("dialed %d connections", len(cluster.all))

	return cluster, nil
}

func (f *WSClusterFactory) endpointURL(endpoint Endpoint) string {

	if strings.Contains(endpoint.Address, "://") {
		return endpoint.Address
	}

	scheme := f.Config.Scheme
	if scheme == "" {
		scheme = "ws"
		if f.dialer.TLSClientConfig != nil {
			scheme = "wss"
		}
	}

	path := f.Config.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return scheme + "://" + endpoint.Address + path
}

// wsCluster houses the websocket connections of one endpoint. Idle connections sit in a queue so
// borrowing round-robins over them.
type wsCluster struct {
	endpoint    Endpoint
	url         string
	factory     *WSClusterFactory
	connections *queue.Queue
	all         []*WSConnection
	flagged     map[uint64]bool
	flagLock    *sync.RWMutex
	closing     int32
	closeOnce   *sync.Once
	closeResult chan error
}

func (c *wsCluster) Endpoint() Endpoint {
	return c.endpoint
}

// Borrow takes an idle connection. Flagged or closed connections are redialed first and a failed
// redial is returned to the caller.
func (c *wsCluster) Borrow(msg *RequestMessage) (Connection, error) {

	if atomic.LoadInt32(&c.closing) == 1 {
		return nil, ErrClusterClosed
	}

	items, err := c.connections.Poll(1, c.factory.borrowTimeout)
	if err != nil {
		if errors.Is(err, queue.ErrTimeout) {
			return nil, nil // every connection is busy
		}

		if errors.Is(err, queue.ErrDisposed) {
			return nil, ErrClusterClosed
		}

		return nil, err
	}

	connection, ok := items[0].(*WSConnection)
	if !ok {
		return nil, errors.New("invalid struct type found in cluster queue")
	}

	if c.isConnectionFlagged(connection.ConnectionID) || connection.IsClosed() {
		c.flagConnection(connection.ConnectionID)
		atomic.StoreInt32(&connection.closed, 1) // flagged connections are redialed even if still open

		if err := connection.connect(context.Background()); err != nil {
			_ = c.connections.Put(connection)
			return nil, err
		}

		c.unflagConnection(connection.ConnectionID)
	}

	return connection, nil
}

func (c *wsCluster) Available() bool {

	if atomic.LoadInt32(&c.closing) == 1 {
		return false
	}

	for _, connection := range c.all {
		if !connection.IsClosed() {
			return true
		}
	}

	return false
}

// CloseAsync disposes the idle queue and closes every connection, borrowed ones included.
func (c *wsCluster) CloseAsync() <-chan error {

	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.closing, 1)
		go func() {
			c.closeResult <- c.closeAll()
			close(c.closeResult)
		}()
	})

	return c.closeResult
}

func (c *wsCluster) closeAll() error {

	c.connections.Dispose()

	var firstErr error
	errLock := &sync.Mutex{}
	wg := &sync.WaitGroup{}
	for _, connection := range c.all {
		wg.Add(1)
		go func(connection *WSConnection) {
			defer wg.Done()

			if err := connection.close(); err != nil {
				errLock.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errLock.Unlock()
			}
		}(connection)
	}
	wg.Wait()

	return firstErr
}

func (c *wsCluster) returnConnection(connection *WSConnection, flag bool) {

	if flag {
		c.flagConnection(connection.ConnectionID)
	}

	if atomic.LoadInt32(&c.closing) == 1 {
		_ = connection.close()
		return
	}

	if err := c.connections.Put(connection); err != nil {
		_ = connection.close()
	}
}

func (c *wsCluster) unflagConnection(connectionID uint64) {
	c.flagLock.Lock()
	defer c.flagLock.Unlock()
	c.flagged[connectionID] = false
}

func (c *wsCluster) flagConnection(connectionID uint64) {
	c.flagLock.Lock()
	defer c.flagLock.Unlock()
	c.flagged[connectionID] = true
}

func (c *wsCluster) isConnectionFlagged(connectionID uint64) bool {
	c.flagLock.RLock()
	defer c.flagLock.RUnlock()
	if flagged, ok := c.flagged[connectionID]; ok {
		return flagged
	}

	return false
}

// WSConnection is one websocket connection to a Gremlin Server endpoint.
type WSConnection struct {
	ConnectionID uint64
	cluster      *wsCluster
	conn         *websocket.Conn
	closed       int32
	connLock     *sync.Mutex
}

// Endpoint is the endpoint this connection talks to.
func (wc *WSConnection) Endpoint() Endpoint {
	return wc.cluster.endpoint
}

// ConnectionInfo describes the connection for logging.
func (wc *WSConnection) ConnectionInfo() string {
	return wc.cluster.factory.Config.ApplicationName + "-" + strconv.FormatUint(wc.ConnectionID, 10) + " " + wc.cluster.url
}

// Submit writes a request as one binary frame. A failed write marks the connection closed.
func (wc *WSConnection) Submit(msg *RequestMessage) error {

	data, err := msg.Serialize(wc.cluster.factory.Config.MimeType)
	if err != nil {
		return err
	}

	wc.connLock.Lock()
	defer wc.connLock.Unlock()

	if wc.conn == nil || atomic.LoadInt32(&wc.closed) == 1 {
		return websocket.ErrCloseSent
	}

	if wc.cluster.factory.writeTimeout > 0 {
		_ = wc.conn.SetWriteDeadline(time.Now().Add(wc.cluster.factory.writeTimeout))
	}

	if err := wc.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		atomic.StoreInt32(&wc.closed, 1)
		return err
	}

	return nil
}

// Receive reads the next frame. A failed read marks the connection closed.
func (wc *WSConnection) Receive() ([]byte, error) {

	conn := wc.currentConn()
	if conn == nil {
		return nil, websocket.ErrCloseSent
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		atomic.StoreInt32(&wc.closed, 1)
		return nil, err
	}

	return data, nil
}

// Release returns the connection to its cluster, flagging it for a reconnect when erred.
func (wc *WSConnection) Release(erred bool) {
	wc.cluster.returnConnection(wc, erred)
}

// IsClosed reports whether the connection is known to be unusable.
func (wc *WSConnection) IsClosed() bool {
	return atomic.LoadInt32(&wc.closed) == 1 || wc.currentConn() == nil
}

func (wc *WSConnection) currentConn() *websocket.Conn {
	wc.connLock.Lock()
	defer wc.connLock.Unlock()
	return wc.conn
}

// connect dials (or redials) the endpoint once.
func (wc *WSConnection) connect(ctx context.Context) error {

	// Compare, Lock, Recompare Strategy
	if !wc.IsClosed() {
		return nil
	}

	wc.connLock.Lock() // Block all but one.
	defer wc.connLock.Unlock()

	if wc.conn != nil && atomic.LoadInt32(&wc.closed) == 0 {
		return nil
	}

	if wc.conn != nil {
		_ = wc.conn.Close()
		wc.conn = nil
	}

	header := http.Header{}
	header.Set("User-Agent", wc.cluster.factory.Config.ApplicationName)

	conn, response, err := wc.cluster.factory.dialer.DialContext(ctx, wc.cluster.url, header)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("unable to connect to %s: %w", wc.cluster.url, err)
	}

	wc.conn = conn
	atomic.StoreInt32(&wc.closed, 0)

	return nil
}

func (wc *WSConnection) close() (err error) {

	// Started receiving panics on Close() in the past, stay safe.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic closing connection: %v", r)
		}
	}()

	wc.connLock.Lock()
	defer wc.connLock.Unlock()

	atomic.StoreInt32(&wc.closed, 1)
	if wc.conn == nil {
		return nil
	}

	_ = wc.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))

	err = wc.conn.Close()
	wc.conn = nil

	return err
}
