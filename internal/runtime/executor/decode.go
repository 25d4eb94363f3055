package executor

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// decodedBody closes both the decoder and the underlying body.
type decodedBody struct {
	io.Reader
	closeDecoder func()
	body         io.Closer
}

func (d *decodedBody) Close() error {
	if d.closeDecoder != nil {
		d.closeDecoder()
	}
	return d.body.Close()
}

// DecodeBody replaces resp.Body with a decompressing reader according to
// Content-Encoding. Unknown encodings are an error.
func DecodeBody(resp *http.Response) error {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if enc == "" || enc == "identity" {
		return nil
	}
	var body *decodedBody
	switch enc {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("gzip: %w", err)
		}
		body = &decodedBody{Reader: zr, closeDecoder: func() { _ = zr.Close() }, body: resp.Body}
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("zstd: %w", err)
		}
		body = &decodedBody{Reader: zr, closeDecoder: zr.Close, body: resp.Body}
	case "br":
		body = &decodedBody{Reader: brotli.NewReader(resp.Body), body: resp.Body}
	case "deflate":
		zr, err := zlib.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("deflate: %w", err)
		}
		body = &decodedBody{Reader: zr, closeDecoder: func() { _ = zr.Close() }, body: resp.Body}
	default:
		return fmt.Errorf("unsupported content encoding %q", enc)
	}
	resp.Body = body
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}
