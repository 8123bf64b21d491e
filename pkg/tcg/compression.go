package tcg

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

const (
	// GzipCompressionType helps identify which compression/decompression to use.
	GzipCompressionType = "gzip"

	// ZstdCompressionType helps identify which compression/decompression to use.
	ZstdCompressionType = "zstd"
)

// Compress compresses data with the given compression type. An empty type means gzip.
func Compress(compressionType string, data []byte) ([]byte, error) {

	buffer := &bytes.Buffer{}

	var err error
	switch compressionType {
	case ZstdCompressionType:
		err = compressWithZstd(data, buffer)
	case GzipCompressionType, "":
		err = compressWithGzip(data, buffer)
	default:
		return nil, fmt.Errorf("unknown compression type %q", compressionType)
	}

	if err != nil {
		return nil, err
	}

	return buffer.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(compressionType string, data []byte) ([]byte, error) {

	switch compressionType {
	case ZstdCompressionType:
		return decompressWithZstd(data)
	case GzipCompressionType, "":
		return decompressWithGzip(data)
	default:
		return nil, fmt.Errorf("unknown compression type %q", compressionType)
	}
}

func compressWithZstd(data []byte, buffer *bytes.Buffer) error {

	zstdWriter, err := zstd.NewWriter(buffer)
	if err != nil {
		return err
	}

	if _, err = zstdWriter.Write(data); err != nil {
		_ = zstdWriter.Close()
		return err
	}

	return zstdWriter.Close()
}

func decompressWithZstd(data []byte) ([]byte, error) {

	zstdReader, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zstdReader.Close()

	return io.ReadAll(zstdReader)
}

func compressWithGzip(data []byte, buffer *bytes.Buffer) error {

	gzipWriter := gzip.NewWriter(buffer)
	if _, err := gzipWriter.Write(data); err != nil {
		return err
	}

	return gzipWriter.Close()
}

func decompressWithGzip(data []byte) ([]byte, error) {

	gzipReader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	decompressed, err := io.ReadAll(gzipReader)
	if err != nil {
		return nil, err
	}

	if err := gzipReader.Close(); err != nil {
		return nil, err
	}

	return decompressed, nil
}
