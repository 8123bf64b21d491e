package tcg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressAndDecompress(t *testing.T) {

	data := []byte("SuperStreetFighter2TurboMBisonDidNothingWrong")

	for _, compressionType := range []string{GzipCompressionType, ZstdCompressionType, ""} {
		compressed, err := Compress(compressionType, data)
		require.NoError(t, err, compressionType)
		assert.NotEmpty(t, compressed)

		decompressed, err := Decompress(compressionType, compressed)
		require.NoError(t, err, compressionType)
		assert.Equal(t, data, decompressed)
	}

	_, err := Compress("lz4", data)
	assert.Error(t, err)
}

func TestGetHashWithArgon(t *testing.T) {

	password := "SuperStreetFighter2Turbo"
	salt := "MBisonDidNothingWrong"

	hashy := GetHashWithArgon(password, salt, 1, 12, 2, 32)
	assert.Len(t, hashy, 32)
	assert.Equal(t, hashy, GetHashWithArgon(password, salt, 1, 12, 2, 32))
	assert.Nil(t, GetHashWithArgon("", salt, 1, 12, 2, 32))
}

func TestEncryptAndDecryptWithAes(t *testing.T) {

	data := []byte("SuperStreetFighter2TurboMBisonDidNothingWrong")
	encryption := &EncryptionConfig{Enabled: true, Type: AesSymmetricType, MemoryMultiplier: 8}
	require.NoError(t, encryption.Hash("SuperStreetFighter2Turbo", "MBisonDidNothingWrong"))

	encrypted, err := encryption.Encrypt(data)
	require.NoError(t, err)
	assert.NotEqual(t, data, encrypted)

	decrypted, err := encryption.Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, data, decrypted)

	other := &EncryptionConfig{Enabled: true, MemoryMultiplier: 8}
	require.NoError(t, other.Hash("Ryu", "Ken"))
	_, err = other.Decrypt(encrypted)
	assert.Error(t, err)

	assert.Error(t, (&EncryptionConfig{}).Hash("", ""))
}

func TestTopologyPayloadRoundTrip(t *testing.T) {

	compression := &CompressionConfig{Enabled: true, Type: ZstdCompressionType}
	encryption := &EncryptionConfig{Enabled: true, Type: AesSymmetricType, MemoryMultiplier: 8}
	require.NoError(t, encryption.Hash("SuperStreetFighter2Turbo", "MBisonDidNothingWrong"))

	document := &TopologyDocument{Endpoints: []Endpoint{
		NewEndpointWithMetadata("a:8182", map[string]string{"Status": "available"}),
		NewEndpoint("b:8182"),
	}}

	payload, err := CreatePayload(document, compression, encryption)
	require.NoError(t, err)

	decoded, err := DecodeTopologyPayload(payload, compression, encryption)
	require.NoError(t, err)
	assert.Equal(t, document, decoded)
	assert.Equal(t, []string{"a:8182", "b:8182"}, decoded.Collection().Addresses())

	_, err = DecodeTopologyPayload(payload, compression, nil)
	assert.Error(t, err, "encrypted payload read as plaintext")

	_, err = DecodeTopologyPayload(nil, nil, nil)
	assert.Error(t, err)
}

func TestPlainTopologyPayload(t *testing.T) {

	payload, err := CreatePayload(&TopologyDocument{Endpoints: []Endpoint{NewEndpoint("a:8182")}}, nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Endpoints":[{"Address":"a:8182"}]}`, string(payload))
}
