package tcg

import "sort"

// EndpointClient binds an endpoint to its cluster handle. It is never mutated after construction,
// so the published snapshot and in-flight requests can share it freely.
type EndpointClient struct {
	endpoint Endpoint
	cluster  ClusterHandle
}

// NewEndpointClient creates an EndpointClient.
func NewEndpointClient(endpoint Endpoint, cluster ClusterHandle) *EndpointClient {
	return &EndpointClient{endpoint: endpoint, cluster: cluster}
}

// NewEndpointClients creates one EndpointClient per handle, ordered by address.
func NewEndpointClients(clusters map[string]ClusterHandle) []*EndpointClient {

	addresses := make([]string, 0, len(clusters))
	for address := range clusters {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)

	clients := make([]*EndpointClient, 0, len(clusters))
	for _, address := range addresses {
		cluster := clusters[address]
		clients = append(clients, NewEndpointClient(cluster.Endpoint(), cluster))
	}

	return clients
}

// Endpoint is the endpoint this client serves.
func (ec *EndpointClient) Endpoint() Endpoint {
	return ec.endpoint
}

// Cluster is the handle owning this client's connections.
func (ec *EndpointClient) Cluster() ClusterHandle {
	return ec.cluster
}

// ChooseConnection borrows a connection from the cluster.
func (ec *EndpointClient) ChooseConnection(msg *RequestMessage) (Connection, error) {
	return ec.cluster.Borrow(msg)
}

// Available reports whether the cluster has an available host.
func (ec *EndpointClient) Available() bool {
	return ec.cluster.Available()
}

// CloseAsync closes the underlying transport.
func (ec *EndpointClient) CloseAsync() <-chan error {
	return ec.cluster.CloseAsync()
}
