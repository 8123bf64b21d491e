package tcg

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrAcquireTimeout is returned when the acquisition deadline passed with no usable connection
	// and no rejection data to explain why.
	ErrAcquireTimeout = errors.New("timed-out waiting for connection")

	// ErrPoolClosed is returned when the client has been closed.
	ErrPoolClosed = errors.New("gremlin client closed")

	// ErrClusterClosed is returned when borrowing from a cluster that is closing.
	ErrClusterClosed = errors.New("cluster is already closed")

	// ErrNoTopology is returned by topology sources that have not received any endpoints yet.
	ErrNoTopology = errors.New("no topology received yet")
)

// EndpointsUnavailableError is returned when the acquisition deadline passed while every known
// candidate endpoint was rejected. Reasons maps address to rejection reason.
// you can check for this error with errors.As
type EndpointsUnavailableError struct {
	Reasons map[string]string
}

// NewEndpointsUnavailableError copies reasons into an EndpointsUnavailableError.
func NewEndpointsUnavailableError(reasons map[string]string) *EndpointsUnavailableError {

	copied := make(map[string]string, len(reasons))
	for address, reason := range reasons {
		copied[address] = reason
	}

	return &EndpointsUnavailableError{Reasons: copied}
}

// ReasonList returns "address: reason" entries sorted by address.
func (e *EndpointsUnavailableError) ReasonList() []string {

	addresses := make([]string, 0, len(e.Reasons))
	for address := range e.Reasons {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)

	list := make([]string, 0, len(addresses))
	for _, address := range addresses {
		list = append(list, fmt.Sprintf("%s: %s", address, e.Reasons[address]))
	}

	return list
}

func (e *EndpointsUnavailableError) Error() string {
	return fmt.Sprintf("no endpoints available [%s]", strings.Join(e.ReasonList(), ", "))
}
