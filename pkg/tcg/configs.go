package tcg

import (
	"errors"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// GremlinSeasoning represents the configuration values.
type GremlinSeasoning struct {
	AcquireConfig  *AcquireConfig  `json:"AcquireConfig" yaml:"AcquireConfig"`
	ClusterConfig  *ClusterConfig  `json:"ClusterConfig" yaml:"ClusterConfig"`
	FilterConfig   *FilterConfig   `json:"FilterConfig" yaml:"FilterConfig"`
	TopologyConfig *TopologyConfig `json:"TopologyConfig" yaml:"TopologyConfig"`
}

// AcquireConfig represents settings for connection acquisition. All values are milliseconds.
type AcquireConfig struct {
	MaxWaitForConnection     uint32 `json:"MaxWaitForConnection" yaml:"MaxWaitForConnection"`         // total wait before giving up
	EagerRefreshWaitTime     int32  `json:"EagerRefreshWaitTime" yaml:"EagerRefreshWaitTime"`         // wait before asking for a refresh, <= 0 disables
	EagerRefreshBackoff      uint32 `json:"EagerRefreshBackoff" yaml:"EagerRefreshBackoff"`           // minimum gap between eager refreshes
	AcquireConnectionBackoff uint32 `json:"AcquireConnectionBackoff" yaml:"AcquireConnectionBackoff"` // sleep between attempts
}

// ClusterConfig represents settings for the websocket clusters created per endpoint.
type ClusterConfig struct {
	ApplicationName           string     `json:"ApplicationName" yaml:"ApplicationName"`
	Scheme                    string     `json:"Scheme" yaml:"Scheme"` // ws or wss, used when an endpoint address has no scheme
	Path                      string     `json:"Path" yaml:"Path"`
	MimeType                  string     `json:"MimeType" yaml:"MimeType"`
	MaxConnectionsPerEndpoint uint64     `json:"MaxConnectionsPerEndpoint" yaml:"MaxConnectionsPerEndpoint"`
	ConnectionTimeout         uint32     `json:"ConnectionTimeout" yaml:"ConnectionTimeout"` // seconds
	WriteTimeout              uint32     `json:"WriteTimeout" yaml:"WriteTimeout"`           // seconds, 0 means no deadline
	BorrowTimeout             uint32     `json:"BorrowTimeout" yaml:"BorrowTimeout"`         // milliseconds to wait on a busy cluster
	MaxConcurrentCreates      uint32     `json:"MaxConcurrentCreates" yaml:"MaxConcurrentCreates"`
	TLSConfig                 *TLSConfig `json:"TLSConfig" yaml:"TLSConfig"`
}

// TLSConfig represents settings for configuring TLS.
type TLSConfig struct {
	EnableTLS         bool   `json:"EnableTLS" yaml:"EnableTLS"`
	PEMCertLocation   string `json:"PEMCertLocation" yaml:"PEMCertLocation"`
	LocalCertLocation string `json:"LocalCertLocation" yaml:"LocalCertLocation"`
	CertServerName    string `json:"CertServerName" yaml:"CertServerName"`
}

// FilterConfig represents settings for the endpoint filter.
type FilterConfig struct {
	Blocklist              map[string]string `json:"Blocklist" yaml:"Blocklist"` // address -> reason
	RequireAvailableStatus bool              `json:"RequireAvailableStatus" yaml:"RequireAvailableStatus"`
	StatusMetadataKey      string            `json:"StatusMetadataKey,omitempty" yaml:"StatusMetadataKey,omitempty"`
	AvailableStatus        string            `json:"AvailableStatus,omitempty" yaml:"AvailableStatus,omitempty"`
}

// TopologyConfig represents settings for the topology sources.
type TopologyConfig struct {
	EndpointsFile string              `json:"EndpointsFile" yaml:"EndpointsFile"`
	AMQPConfig    *AMQPTopologyConfig `json:"AMQPConfig" yaml:"AMQPConfig"`
}

// Validate rejects a TopologyConfig naming both sources. Each source reports a full candidate set,
// so two of them would keep replacing each other's endpoints.
func (tc *TopologyConfig) Validate() error {

	if tc == nil {
		return nil
	}

	if tc.EndpointsFile != "" && tc.AMQPConfig != nil {
		return errors.New("TopologyConfig can have an EndpointsFile or an AMQPConfig, not both")
	}

	return nil
}

// AMQPTopologyConfig represents settings for consuming topology updates from RabbitMQ.
type AMQPTopologyConfig struct {
	ApplicationName      string             `json:"ApplicationName" yaml:"ApplicationName"`
	URI                  string             `json:"URI" yaml:"URI"`
	QueueName            string             `json:"QueueName" yaml:"QueueName"`
	ConsumerName         string             `json:"ConsumerName" yaml:"ConsumerName"`
	Heartbeat            uint32             `json:"Heartbeat" yaml:"Heartbeat"`                       // seconds
	ConnectionTimeout    uint32             `json:"ConnectionTimeout" yaml:"ConnectionTimeout"`       // seconds
	SleepOnErrorInterval uint32             `json:"SleepOnErrorInterval" yaml:"SleepOnErrorInterval"` // milliseconds
	QosCountOverride     int                `json:"QosCountOverride" yaml:"QosCountOverride"`         // if zero ignored
	TLSConfig            *TLSConfig         `json:"TLSConfig" yaml:"TLSConfig"`
	CompressionConfig    *CompressionConfig `json:"CompressionConfig" yaml:"CompressionConfig"`
	EncryptionConfig     *EncryptionConfig  `json:"EncryptionConfig" yaml:"EncryptionConfig"`
}

// CompressionConfig allows you to configure payload compression.
type CompressionConfig struct {
	Enabled bool   `json:"Enabled" yaml:"Enabled"`
	Type    string `json:"Type,omitempty" yaml:"Type,omitempty"`
}

// EncryptionConfig allows you to configure symmetric key encryption of payloads.
type EncryptionConfig struct {
	Enabled           bool   `json:"Enabled" yaml:"Enabled"`
	Type              string `json:"Type,omitempty" yaml:"Type,omitempty"`
	Hashkey           []byte `json:"-" yaml:"-"`
	TimeConsideration uint32 `json:"TimeConsideration,omitempty" yaml:"TimeConsideration,omitempty"`
	MemoryMultiplier  uint32 `json:"MemoryMultiplier,omitempty" yaml:"MemoryMultiplier,omitempty"`
	Threads           uint8  `json:"Threads,omitempty" yaml:"Threads,omitempty"`
}

// NewAcquireConfig returns the default acquisition settings.
func NewAcquireConfig() *AcquireConfig {
	return &AcquireConfig{
		MaxWaitForConnection:     16000,
		EagerRefreshWaitTime:     -1,
		EagerRefreshBackoff:      5000,
		AcquireConnectionBackoff: 5,
	}
}

// NewClusterConfig returns the default websocket cluster settings.
func NewClusterConfig() *ClusterConfig {
	return &ClusterConfig{
		ApplicationName:           "TurboCookedGremlin",
		Scheme:                    "ws",
		Path:                      "/gremlin",
		MimeType:                  DefaultMimeType,
		MaxConnectionsPerEndpoint: 4,
		ConnectionTimeout:         10,
		WriteTimeout:              10,
		BorrowTimeout:             1,
	}
}

// NewGremlinSeasoning returns a configuration filled with defaults.
func NewGremlinSeasoning() *GremlinSeasoning {
	return &GremlinSeasoning{
		AcquireConfig:  NewAcquireConfig(),
		ClusterConfig:  NewClusterConfig(),
		FilterConfig:   &FilterConfig{},
		TopologyConfig: &TopologyConfig{},
	}
}

// ConvertJSONFileToConfig opens a file.json and converts to GremlinSeasoning.
// Sections missing from the file keep their defaults.
func ConvertJSONFileToConfig(fileNamePath string) (*GremlinSeasoning, error) {

	byteValue, err := os.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	config := NewGremlinSeasoning()
	var json = jsoniter.ConfigFastest
	err = json.Unmarshal(byteValue, config)

	return config, err
}

func (ac *AcquireConfig) maxWaitForConnection() time.Duration {
	return time.Duration(ac.MaxWaitForConnection) * time.Millisecond
}

func (ac *AcquireConfig) eagerRefreshWaitTime() time.Duration {
	return time.Duration(ac.EagerRefreshWaitTime) * time.Millisecond
}

func (ac *AcquireConfig) eagerRefreshBackoff() time.Duration {
	return time.Duration(ac.EagerRefreshBackoff) * time.Millisecond
}

func (ac *AcquireConfig) acquireConnectionBackoff() time.Duration {
	return time.Duration(ac.AcquireConnectionBackoff) * time.Millisecond
}
