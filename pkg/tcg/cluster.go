package tcg

import "context"

// Connection is one borrowed transport connection to a graph server.
type Connection interface {
	Endpoint() Endpoint
	ConnectionInfo() string

	// Release hands the connection back to its cluster. An erred connection is flagged and
	// reconnected before it is handed out again.
	Release(erred bool)
}

// ClusterHandle owns the transport resources (connections) of exactly one endpoint.
type ClusterHandle interface {
	Endpoint() Endpoint

	// Borrow returns a connection able to take the message, or nil and no error when every
	// connection is busy. Transport failures are returned as is.
	Borrow(msg *RequestMessage) (Connection, error)

	// Available reports whether the cluster currently has a usable host.
	Available() bool

	// CloseAsync starts closing every connection and reports the outcome once on the returned channel.
	CloseAsync() <-chan error
}

// ClusterFactory creates the cluster handle for an endpoint. Creation may dial the server.
type ClusterFactory interface {
	CreateCluster(ctx context.Context, endpoint Endpoint) (ClusterHandle, error)
}

// ClusterFactoryFunc adapts a function into a ClusterFactory.
type ClusterFactoryFunc func(ctx context.Context, endpoint Endpoint) (ClusterHandle, error)

// CreateCluster calls f(ctx, endpoint).
func (f ClusterFactoryFunc) CreateCluster(ctx context.Context, endpoint Endpoint) (ClusterHandle, error) {
	return f(ctx, endpoint)
}
