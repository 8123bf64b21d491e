package tcg

// Endpoint is the address of one graph server instance with optional discovery metadata.
// Two endpoints are the same endpoint when their addresses match.
type Endpoint struct {
	Address  string            `json:"Address" yaml:"Address"`
	Metadata map[string]string `json:"Metadata,omitempty" yaml:"Metadata,omitempty"`
}

// NewEndpoint creates an Endpoint with no metadata.
func NewEndpoint(address string) Endpoint {
	return Endpoint{Address: address}
}

// NewEndpointWithMetadata creates an Endpoint holding a private copy of the metadata.
func NewEndpointWithMetadata(address string, metadata map[string]string) Endpoint {

	endpoint := Endpoint{Address: address}
	if len(metadata) > 0 {
		endpoint.Metadata = make(map[string]string, len(metadata))
		for key, value := range metadata {
			endpoint.Metadata[key] = value
		}
	}

	return endpoint
}

// GetMetadata returns a metadata value and whether it was set.
func (e Endpoint) GetMetadata(key string) (string, bool) {
	if e.Metadata == nil {
		return "", false
	}

	value, ok := e.Metadata[key]
	return value, ok
}

// Equals compares endpoints by address.
func (e Endpoint) Equals(other Endpoint) bool {
	return e.Address == other.Address
}

func (e Endpoint) String() string {
	return e.Address
}
