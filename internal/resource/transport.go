// internal/resource/transport.go
package resource

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

var brotliReaderPool = sync.Pool{
	New: func() interface{} { return brotli.NewReader(nil) },
}

// decompressTransport advertises br/gzip/deflate and transparently decodes the
// response body. Scripts served from CDNs are nearly always compressed.
type decompressTransport struct {
	next http.RoundTripper
}

func newDecompressTransport(next http.RoundTripper) *decompressTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &decompressTransport{next: next}
}

func (t *decompressTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", "br, gzip, deflate")
	}
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := decodeBody(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to initialize response decompression: %w", err)
	}
	return resp, nil
}

type decodedBody struct {
	io.Reader
	raw     io.ReadCloser
	release func()
}

func (b *decodedBody) Close() error {
	if b.release != nil {
		b.release()
		b.release = nil
	}
	return b.raw.Close()
}

func decodeBody(resp *http.Response) error {
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil
	}
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))

	var body *decodedBody
	switch encoding {
	case "", "identity":
		return nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return err
		}
		body = &decodedBody{Reader: zr, raw: resp.Body, release: func() { _ = zr.Close() }}
	case "br":
		br := brotliReaderPool.Get().(*brotli.Reader)
		if err := br.Reset(resp.Body); err != nil {
			brotliReaderPool.Put(br)
			return err
		}
		body = &decodedBody{Reader: br, raw: resp.Body, release: func() {
			_ = br.Reset(strings.NewReader(""))
			brotliReaderPool.Put(br)
		}}
	case "deflate":
		fr := flate.NewReader(resp.Body)
		body = &decodedBody{Reader: fr, raw: resp.Body, release: func() { _ = fr.Close() }}
	default:
		// Unknown encodings are passed through untouched.
		return nil
	}

	resp.Body = body
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}
