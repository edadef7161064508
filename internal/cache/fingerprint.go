package cache

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spaolacci/murmur3"
)

// Identity describes the inputs used to derive an image's cache identity
// without requiring the full byte stream to be read. SourceURL, when
// non-empty, is the preferred identity source; Bytes is only consulted as a
// fallback when SourceURL is empty.
type Identity struct {
	SourceURL string
	ByteLen   int
	MimeType  string
	Bytes     []byte // only read for the sampled-hash fallback
}

// sampleStride controls how many bytes of the source are actually hashed
// for the fallback identity: every stride'th byte, capped at sampleCap
// samples, so a multi-megabyte buffer is fingerprinted in constant work
// without reading every byte.
const (
	sampleStride = 257 // prime, avoids aliasing against common block sizes
	sampleCap    = 4096
)

// sampledHash returns a deterministic hash of data that does not depend on
// visiting every byte. It is stable across runs and processes since it uses
// no randomness and no seed derived from time or pointer addresses.
func sampledHash(data []byte) uint64 {
	if len(data) == 0 {
		return murmur3.Sum64([]byte{})
	}
	buf := make([]byte, 0, sampleCap+8)
	for i := 0; i < len(data) && len(buf) < sampleCap; i += sampleStride {
		buf = append(buf, data[i])
	}
	var lenBytes [8]byte
	n := uint64(len(data))
	for i := 0; i < 8; i++ {
		lenBytes[i] = byte(n >> (8 * i))
	}
	buf = append(buf, lenBytes[:]...)
	return murmur3.Sum64(buf)
}

// identityKey derives the image-identity component of a fingerprint, per
// the preference order: source URL + byte length + mime type, falling back
// to a sampled hash of the byte stream when there is no URL.
func identityKey(id Identity) string {
	if id.SourceURL != "" {
		return fmt.Sprintf("url:%s|len:%d|mime:%s", id.SourceURL, id.ByteLen, id.MimeType)
	}
	h := sampledHash(id.Bytes)
	return fmt.Sprintf("hash:%016x|len:%d|mime:%s", h, id.ByteLen, id.MimeType)
}

// Options is the canonical set of processing options folded into a
// fingerprint. Keys are sorted before serialization so option ordering at
// the call site never changes the resulting key.
type Options map[string]string

func (o Options) canonical() string {
	if len(o) == 0 {
		return ""
	}
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(o[k])
	}
	return sb.String()
}

// Fingerprint computes the deterministic cache key for id processed with
// opts at the given quantized scale. Identical (id, opts, scale) always
// yields the identical fingerprint, and distinct scales yield distinct
// fingerprints so that differently-scaled outputs of the same source never
// collide.
func Fingerprint(id Identity, opts Options, scale float64) string {
	return fmt.Sprintf("%s|opts:%s|scale:%.4f", identityKey(id), opts.canonical(), scale)
}
