package attach

import "github.com/golang/snappy"

// Compressor transforms a blob before upload. Name is the wire encoding
// label the server uses to reverse it; the identity compressor reports
// an empty name and sends bytes as-is.
type Compressor interface {
	Name() string
	Compress(data []byte) ([]byte, error)
}

// Identity sends blobs unmodified. Media files are usually already
// compressed, so this is the default.
type Identity struct{}

func (Identity) Name() string { return "" }

func (Identity) Compress(data []byte) ([]byte, error) { return data, nil }

// Snappy compresses blobs with snappy block encoding. Worthwhile for
// text-heavy payloads like exported reports or logs.
type Snappy struct{}

func (Snappy) Name() string { return "snappy" }

func (Snappy) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}
