package tcg

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// BlocklistedReason is the default rejection reason of the BlocklistEndpointFilter.
	BlocklistedReason = "blocklisted"

	// EmptyAddressReason is reported for candidate endpoints that carry no address.
	EmptyAddressReason = "empty endpoint address"

	// NoEndpointsReason is reported when discovery delivered an empty candidate set.
	NoEndpointsReason = "no endpoints discovered"

	// NoEndpointsKey is the rejection key used for NoEndpointsReason.
	NoEndpointsKey = "*"

	defaultStatusMetadataKey = "Status"
	defaultAvailableStatus   = "available"
)

// ApprovalResult is the verdict of an EndpointFilter.
type ApprovalResult struct {
	Approved bool   `json:"Approved"`
	Reason   string `json:"Reason,omitempty"`
}

// Approve accepts an endpoint.
func Approve() ApprovalResult {
	return ApprovalResult{Approved: true}
}

// Reject rejects an endpoint with a reason.
func Reject(reason string) ApprovalResult {
	return ApprovalResult{Approved: false, Reason: reason}
}

// EndpointFilter decides whether a candidate endpoint is usable.
// Implementations must be free of side effects (logging aside) so reconciliation stays deterministic.
type EndpointFilter interface {
	ApproveEndpoint(endpoint Endpoint) ApprovalResult
}

// EndpointFilterFunc adapts a plain function into an EndpointFilter.
type EndpointFilterFunc func(endpoint Endpoint) ApprovalResult

// ApproveEndpoint calls f(endpoint).
func (f EndpointFilterFunc) ApproveEndpoint(endpoint Endpoint) ApprovalResult {
	return f(endpoint)
}

// AcceptAllEndpointFilter approves every endpoint.
type AcceptAllEndpointFilter struct{}

// ApproveEndpoint always approves.
func (AcceptAllEndpointFilter) ApproveEndpoint(Endpoint) ApprovalResult {
	return Approve()
}

func (AcceptAllEndpointFilter) String() string {
	return "AcceptAllEndpointFilter"
}

// BlocklistEndpointFilter rejects endpoints by address.
type BlocklistEndpointFilter struct {
	blocked map[string]string
}

// NewBlocklistEndpointFilter creates a BlocklistEndpointFilter from address -> reason.
// An empty reason is reported as BlocklistedReason.
func NewBlocklistEndpointFilter(blocklist map[string]string) *BlocklistEndpointFilter {

	blocked := make(map[string]string, len(blocklist))
	for address, reason := range blocklist {
		if reason == "" {
			reason = BlocklistedReason
		}
		blocked[address] = reason
	}

	return &BlocklistEndpointFilter{blocked: blocked}
}

// ApproveEndpoint rejects blocklisted addresses.
func (bf *BlocklistEndpointFilter) ApproveEndpoint(endpoint Endpoint) ApprovalResult {
	if reason, ok := bf.blocked[endpoint.Address]; ok {
		return Reject(reason)
	}

	return Approve()
}

func (bf *BlocklistEndpointFilter) String() string {

	addresses := make([]string, 0, len(bf.blocked))
	for address := range bf.blocked {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)

	return fmt.Sprintf("BlocklistEndpointFilter[%s]", strings.Join(addresses, ", "))
}

// StatusEndpointFilter rejects endpoints whose status metadata says they are not available.
// Endpoints that carry no status are approved.
type StatusEndpointFilter struct {
	MetadataKey     string
	AvailableStatus string
}

// NewStatusEndpointFilter creates a StatusEndpointFilter, defaulting to the "Status" key and "available" value.
func NewStatusEndpointFilter(metadataKey, availableStatus string) *StatusEndpointFilter {
	if metadataKey == "" {
		metadataKey = defaultStatusMetadataKey
	}
	if availableStatus == "" {
		availableStatus = defaultAvailableStatus
	}

	return &StatusEndpointFilter{MetadataKey: metadataKey, AvailableStatus: availableStatus}
}

// ApproveEndpoint approves endpoints that are available or report no status.
func (sf *StatusEndpointFilter) ApproveEndpoint(endpoint Endpoint) ApprovalResult {

	status, ok := endpoint.GetMetadata(sf.MetadataKey)
	if !ok || strings.EqualFold(status, sf.AvailableStatus) {
		return Approve()
	}

	return Reject(fmt.Sprintf("status is %s", status))
}

func (sf *StatusEndpointFilter) String() string {
	return fmt.Sprintf("StatusEndpointFilter[%s=%s]", sf.MetadataKey, sf.AvailableStatus)
}

// ChainEndpointFilter applies filters in order; the first rejection wins.
type ChainEndpointFilter []EndpointFilter

// ApproveEndpoint runs every filter until one rejects.
func (cf ChainEndpointFilter) ApproveEndpoint(endpoint Endpoint) ApprovalResult {
	for _, filter := range cf {
		if result := filter.ApproveEndpoint(endpoint); !result.Approved {
			return result
		}
	}

	return Approve()
}

func (cf ChainEndpointFilter) String() string {

	names := make([]string, 0, len(cf))
	for _, filter := range cf {
		names = append(names, fmt.Sprint(filter))
	}

	return fmt.Sprintf("ChainEndpointFilter[%s]", strings.Join(names, ", "))
}

// NewEndpointFilterFromConfig builds the filter described by a FilterConfig.
func NewEndpointFilterFromConfig(config *FilterConfig) EndpointFilter {

	if config == nil {
		return AcceptAllEndpointFilter{}
	}

	var chain ChainEndpointFilter
	if len(config.Blocklist) > 0 {
		chain = append(chain, NewBlocklistEndpointFilter(config.Blocklist))
	}

	if config.RequireAvailableStatus {
		chain = append(chain, NewStatusEndpointFilter(config.StatusMetadataKey, config.AvailableStatus))
	}

	switch len(chain) {
	case 0:
		return AcceptAllEndpointFilter{}
	case 1:
		return chain[0]
	default:
		return chain
	}
}

// emptyEndpointFilter wraps the configured filter. It rejects endpoints with no address, and an
// empty candidate set as a whole, so "discovery returned nothing" never looks like "all rejected".
type emptyEndpointFilter struct {
	inner EndpointFilter
}

func newEmptyEndpointFilter(inner EndpointFilter) emptyEndpointFilter {
	if inner == nil {
		inner = AcceptAllEndpointFilter{}
	}

	return emptyEndpointFilter{inner: inner}
}

func (ef emptyEndpointFilter) ApproveEndpoint(endpoint Endpoint) ApprovalResult {
	if strings.TrimSpace(endpoint.Address) == "" {
		return Reject(EmptyAddressReason)
	}

	return ef.inner.ApproveEndpoint(endpoint)
}

func (ef emptyEndpointFilter) approveEmptyCollection() ApprovalResult {
	return Reject(NoEndpointsReason)
}

func (ef emptyEndpointFilter) String() string {
	return fmt.Sprint(ef.inner)
}

// emptyCollectionApprover is implemented by filters that have a verdict for an empty candidate set.
type emptyCollectionApprover interface {
	approveEmptyCollection() ApprovalResult
}
