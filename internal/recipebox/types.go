package recipebox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// Recipe is one recipe document. Its contents are not interpreted by the
// loader or the worker.
type Recipe map[string]any

// CacheEntry is a stored network response.
type CacheEntry struct {
	Method   string
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
}

// response rebuilds an *http.Response for req. Every call gets its own body
// reader so one entry can be served many times.
func (e CacheEntry) response(req *http.Request) *http.Response {
	h := cloneHeader(e.Header)
	h.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid worker state")
	ErrUnsupportedScript = errors.New("no worker deployed at script path")
)

// FetchError aborts a recipe load. Index and URL identify the first source
// that failed; no later source was requested.
type FetchError struct {
	Index int
	URL   string
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch recipe %d (%s): %v", e.Index, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// StorageReadError reports an unreadable or malformed snapshot. The loader
// logs it and falls back to the network.
type StorageReadError struct {
	Key string
	Err error
}

func (e *StorageReadError) Error() string {
	return fmt.Sprintf("read snapshot %q: %v", e.Key, e.Err)
}

func (e *StorageReadError) Unwrap() error { return e.Err }

// InstallError means the worker could not pre-populate its cache and was
// discarded.
type InstallError struct {
	Cache string
	Err   error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install cache %q: %v", e.Cache, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }
