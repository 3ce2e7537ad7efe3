package httplog

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// readRequestBody returns the request body and a request that can still send
// it. The original request is not modified.
func readRequestBody(req *http.Request) (string, *http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return "", req, nil
	}

	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return "", nil, fmt.Errorf("failed to copy request body: %w", err)
		}
		defer body.Close()
		data, err := io.ReadAll(body)
		if err != nil {
			return "", nil, fmt.Errorf("failed to read request body: %w", err)
		}
		return string(data), req, nil
	}

	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return "", nil, fmt.Errorf("failed to read request body: %w", err)
	}

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(data))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	out.ContentLength = int64(len(data))
	return string(data), out, nil
}

// decodeBody renders a response body for the log, inflating gzip payloads
// the transport did not already decompress.
func decodeBody(header http.Header, body []byte) string {
	if !strings.EqualFold(header.Get("Content-Encoding"), "gzip") {
		return string(body)
	}

	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return string(body)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return string(body)
	}
	return string(data)
}
