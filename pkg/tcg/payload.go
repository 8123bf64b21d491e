package tcg

import (
	"errors"

	jsoniter "github.com/json-iterator/go"
)

// TopologyDocument is the document topology sources read: the full set of candidate endpoints.
type TopologyDocument struct {
	Endpoints []Endpoint `json:"Endpoints" yaml:"Endpoints"`
}

// Collection builds an EndpointCollection from the document.
func (td *TopologyDocument) Collection() EndpointCollection {
	return NewEndpointCollection(td.Endpoints...)
}

// CreatePayload creates a JSON marshal and optionally compresses and encrypts the bytes.
func CreatePayload(
	input interface{},
	compression *CompressionConfig,
	encryption *EncryptionConfig) ([]byte, error) {

	var json = jsoniter.ConfigFastest
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}

	if compression != nil && compression.Enabled {
		data, err = Compress(compression.Type, data)
		if err != nil {
			return nil, err
		}
	}

	if encryption != nil && encryption.Enabled {
		data, err = encryption.Encrypt(data)
		if err != nil {
			return nil, err
		}
	}

	return data, nil
}

// ReadPayload decrypts and decompresses a payload then unmarshals it into output.
func ReadPayload(
	data []byte,
	output interface{},
	compression *CompressionConfig,
	encryption *EncryptionConfig) error {

	var err error
	if encryption != nil && encryption.Enabled {
		data, err = encryption.Decrypt(data)
		if err != nil {
			return err
		}
	}

	if compression != nil && compression.Enabled {
		data, err = Decompress(compression.Type, data)
		if err != nil {
			return err
		}
	}

	var json = jsoniter.ConfigFastest
	return json.Unmarshal(data, output)
}

// DecodeTopologyPayload reads a topology document from a payload.
func DecodeTopologyPayload(data []byte, compression *CompressionConfig, encryption *EncryptionConfig) (*TopologyDocument, error) {

	if len(data) == 0 {
		return nil, errors.New("topology payload can't be empty")
	}

	document := &TopologyDocument{}
	if err := ReadPayload(data, document, compression, encryption); err != nil {
		return nil, err
	}

	return document, nil
}
