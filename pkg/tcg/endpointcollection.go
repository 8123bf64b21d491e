package tcg

import "strings"

type taggedEndpoint struct {
	endpoint Endpoint
	verdict  *ApprovalResult // nil until enriched
}

// EndpointCollection is the immutable candidate set of one discovery round.
// Endpoints are unique by address; the first occurrence wins and input order is kept.
type EndpointCollection struct {
	entries []taggedEndpoint
	index   map[string]int

	// set when an empty candidate set was rejected as a whole
	collectionVerdict *ApprovalResult
}

// NewEndpointCollection creates an EndpointCollection from endpoints.
func NewEndpointCollection(endpoints ...Endpoint) EndpointCollection {

	entries := make([]taggedEndpoint, 0, len(endpoints))
	for _, endpoint := range endpoints {
		entries = append(entries, taggedEndpoint{endpoint: endpoint})
	}

	return newEndpointCollection(entries, nil)
}

// NewEndpointCollectionFromAddresses creates an EndpointCollection of metadata-free endpoints.
func NewEndpointCollectionFromAddresses(addresses ...string) EndpointCollection {

	endpoints := make([]Endpoint, 0, len(addresses))
	for _, address := range addresses {
		endpoints = append(endpoints, NewEndpoint(address))
	}

	return NewEndpointCollection(endpoints...)
}

func newEndpointCollection(entries []taggedEndpoint, collectionVerdict *ApprovalResult) EndpointCollection {

	ec := EndpointCollection{
		entries:           make([]taggedEndpoint, 0, len(entries)),
		index:             make(map[string]int, len(entries)),
		collectionVerdict: collectionVerdict,
	}

	for _, entry := range entries {
		if _, ok := ec.index[entry.endpoint.Address]; ok {
			continue
		}

		ec.index[entry.endpoint.Address] = len(ec.entries)
		ec.entries = append(ec.entries, entry)
	}

	return ec
}

// Len is the number of endpoints in the collection.
func (ec EndpointCollection) Len() int {
	return len(ec.entries)
}

// IsEmpty reports whether the collection holds no endpoints.
func (ec EndpointCollection) IsEmpty() bool {
	return len(ec.entries) == 0
}

// Endpoints returns a copy of the endpoints in order.
func (ec EndpointCollection) Endpoints() []Endpoint {

	endpoints := make([]Endpoint, 0, len(ec.entries))
	for _, entry := range ec.entries {
		endpoints = append(endpoints, entry.endpoint)
	}

	return endpoints
}

// Addresses returns the endpoint addresses in order.
func (ec EndpointCollection) Addresses() []string {

	addresses := make([]string, 0, len(ec.entries))
	for _, entry := range ec.entries {
		addresses = append(addresses, entry.endpoint.Address)
	}

	return addresses
}

// Contains reports whether an endpoint with the address is in the collection.
func (ec EndpointCollection) Contains(address string) bool {
	_, ok := ec.index[address]
	return ok
}

// Get finds an endpoint by address.
func (ec EndpointCollection) Get(address string) (Endpoint, bool) {
	if i, ok := ec.index[address]; ok {
		return ec.entries[i].endpoint, true
	}

	return Endpoint{}, false
}

// Enrich evaluates the filter once per endpoint and tags each endpoint with its verdict.
func (ec EndpointCollection) Enrich(filter EndpointFilter) EndpointCollection {

	if len(ec.entries) == 0 {
		if approver, ok := filter.(emptyCollectionApprover); ok {
			verdict := approver.approveEmptyCollection()
			return newEndpointCollection(nil, &verdict)
		}

		return newEndpointCollection(nil, nil)
	}

	entries := make([]taggedEndpoint, 0, len(ec.entries))
	for _, entry := range ec.entries {
		verdict := filter.ApproveEndpoint(entry.endpoint)
		entries = append(entries, taggedEndpoint{endpoint: entry.endpoint, verdict: &verdict})
	}

	return newEndpointCollection(entries, nil)
}

// Accepted returns the endpoints that passed the filter. Endpoints that were never enriched count as accepted.
func (ec EndpointCollection) Accepted() EndpointCollection {

	entries := make([]taggedEndpoint, 0, len(ec.entries))
	for _, entry := range ec.entries {
		if entry.verdict == nil || entry.verdict.Approved {
			entries = append(entries, entry)
		}
	}

	return newEndpointCollection(entries, nil)
}

// Rejected returns the endpoints that failed the filter, with their reasons retained.
func (ec EndpointCollection) Rejected() EndpointCollection {

	entries := make([]taggedEndpoint, 0, len(ec.entries))
	for _, entry := range ec.entries {
		if entry.verdict != nil && !entry.verdict.Approved {
			entries = append(entries, entry)
		}
	}

	var collectionVerdict *ApprovalResult
	if ec.collectionVerdict != nil && !ec.collectionVerdict.Approved {
		collectionVerdict = ec.collectionVerdict
	}

	return newEndpointCollection(entries, collectionVerdict)
}

// HasRejections reports whether any endpoint, or the candidate set as a whole, was rejected.
func (ec EndpointCollection) HasRejections() bool {
	return len(ec.RejectionReasons()) > 0
}

// RejectionReasons maps each rejected address to its reason.
// A rejected empty candidate set is reported under NoEndpointsKey.
func (ec EndpointCollection) RejectionReasons() map[string]string {

	reasons := make(map[string]string)
	for _, entry := range ec.entries {
		if entry.verdict != nil && !entry.verdict.Approved {
			reasons[entry.endpoint.Address] = entry.verdict.Reason
		}
	}

	if ec.collectionVerdict != nil && !ec.collectionVerdict.Approved {
		reasons[NoEndpointsKey] = ec.collectionVerdict.Reason
	}

	return reasons
}

// EndpointsWithNoCluster returns the endpoints the registry holds no cluster handle for.
func (ec EndpointCollection) EndpointsWithNoCluster(registry *ClusterRegistry) EndpointCollection {

	entries := make([]taggedEndpoint, 0, len(ec.entries))
	for _, entry := range ec.entries {
		if !registry.HasCluster(entry.endpoint.Address) {
			entries = append(entries, entry)
		}
	}

	return newEndpointCollection(entries, nil)
}

func (ec EndpointCollection) String() string {
	return "[" + strings.Join(ec.Addresses(), ", ") + "]"
}
