package tcg

import "sync"

// EndpointClientSelector picks the client to try from a non-empty slice.
type EndpointClientSelector func(clients []*EndpointClient) *EndpointClient

// EndpointClientSnapshot is the immutable view of the usable endpoint clients plus the rejection
// reasons of the reconciliation that produced it. A snapshot is replaced wholesale, never modified.
type EndpointClientSnapshot struct {
	clients  []*EndpointClient
	rejected EndpointCollection

	superseded     chan struct{}
	supersededOnce *sync.Once
}

// NewEndpointClientSnapshot creates a snapshot owning a copy of clients.
func NewEndpointClientSnapshot(clients []*EndpointClient, rejected EndpointCollection) *EndpointClientSnapshot {

	owned := make([]*EndpointClient, len(clients))
	copy(owned, clients)

	return &EndpointClientSnapshot{
		clients:        owned,
		rejected:       rejected,
		superseded:     make(chan struct{}),
		supersededOnce: &sync.Once{},
	}
}

func newEmptySnapshot() *EndpointClientSnapshot {
	return NewEndpointClientSnapshot(nil, NewEndpointCollection())
}

// Len is the number of endpoint clients.
func (s *EndpointClientSnapshot) Len() int {
	return len(s.clients)
}

// IsEmpty reports whether the snapshot has no endpoint clients.
func (s *EndpointClientSnapshot) IsEmpty() bool {
	return len(s.clients) == 0
}

// Clients returns a copy of the endpoint clients.
func (s *EndpointClientSnapshot) Clients() []*EndpointClient {

	clients := make([]*EndpointClient, len(s.clients))
	copy(clients, s.clients)

	return clients
}

// Endpoints returns the endpoints of the snapshot's clients.
func (s *EndpointClientSnapshot) Endpoints() EndpointCollection {

	endpoints := make([]Endpoint, 0, len(s.clients))
	for _, client := range s.clients {
		endpoints = append(endpoints, client.Endpoint())
	}

	return NewEndpointCollection(endpoints...)
}

// HasRejectedEndpoints reports whether the producing reconciliation rejected anything.
func (s *EndpointClientSnapshot) HasRejectedEndpoints() bool {
	return s.rejected.HasRejections()
}

// RejectedEndpoints is the rejected part of the producing reconciliation's candidates.
func (s *EndpointClientSnapshot) RejectedEndpoints() EndpointCollection {
	return s.rejected
}

// RejectionReasons maps rejected addresses to reasons.
func (s *EndpointClientSnapshot) RejectionReasons() map[string]string {
	return s.rejected.RejectionReasons()
}

// SurvivingEndpointClients returns the clients whose endpoint is still accepted, as the same instances.
func (s *EndpointClientSnapshot) SurvivingEndpointClients(accepted EndpointCollection) []*EndpointClient {

	surviving := make([]*EndpointClient, 0, len(s.clients))
	for _, client := range s.clients {
		if accepted.Contains(client.Endpoint().Address) {
			surviving = append(surviving, client)
		}
	}

	return surviving
}

// ChooseConnection picks a client with the selector and borrows one of its connections.
// Returns nil and no error when the snapshot is empty or the chosen client is at capacity.
func (s *EndpointClientSnapshot) ChooseConnection(msg *RequestMessage, selector EndpointClientSelector) (Connection, error) {

	if len(s.clients) == 0 {
		return nil, nil
	}

	client := selector(s.clients)
	if client == nil {
		return nil, nil
	}

	return client.ChooseConnection(msg)
}

// Superseded is closed once a newer snapshot has been published.
func (s *EndpointClientSnapshot) Superseded() <-chan struct{} {
	return s.superseded
}

func (s *EndpointClientSnapshot) supersede() {
	s.supersededOnce.Do(func() { close(s.superseded) })
}
