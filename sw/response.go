package sw

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
)

// OfflineHeader marks responses synthesized by the proxy because the network
// could not be reached. Hosts branch on it instead of parsing bodies.
const OfflineHeader = "X-SW-Offline"

// OfflineStatus is the status carried by every synthesized offline response.
const OfflineStatus = http.StatusServiceUnavailable

const offlineMessage = "You are offline and this resource is not available in the cache."

// Response is an immutable-by-convention snapshot of an HTTP response. The
// body is fully buffered so the same snapshot can be cached and returned.
type Response struct {
	Status int         `json:"status"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body"`
}

// Clone returns a deep copy so a cached snapshot and the caller's copy never
// share header maps or body bytes.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := &Response{
		Status: r.Status,
		Header: r.Header.Clone(),
		Body:   append([]byte(nil), r.Body...),
	}
	if out.Header == nil {
		out.Header = http.Header{}
	}
	return out
}

// MediaType returns the lowercased media type of the Content-Type header
// without parameters, or "" when absent.
func (r *Response) MediaType() string {
	if r == nil || r.Header == nil {
		return ""
	}
	raw := strings.TrimSpace(r.Header.Get("Content-Type"))
	if raw == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(raw)
	if err != nil {
		mt, _, _ = strings.Cut(raw, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// IsHTML reports whether the response declares a text/html body.
func (r *Response) IsHTML() bool {
	return r.MediaType() == "text/html"
}

// IsOffline reports whether the proxy synthesized this response.
func (r *Response) IsOffline() bool {
	return r != nil && r.Header.Get(OfflineHeader) == "true"
}

// Cacheable reports whether the response may be written to a store at all.
func (r *Response) Cacheable() bool {
	return r != nil && r.Status == http.StatusOK
}

// HTTPResponse converts the snapshot into an *http.Response for req.
func (r *Response) HTTPResponse(req *http.Request) *http.Response {
	body := append([]byte(nil), r.Body...)
	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        strconv.Itoa(r.Status) + " " + http.StatusText(r.Status),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// SnapshotResponse drains resp into a Response and closes its body.
func SnapshotResponse(resp *http.Response) (*Response, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}

func offlineTextResponse() *Response {
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set(OfflineHeader, "true")
	return &Response{Status: OfflineStatus, Header: h, Body: []byte(offlineMessage)}
}

type offlinePayload struct {
	Error   string `json:"error"`
	Offline bool   `json:"offline"`
	Message string `json:"message"`
}

// offlineJSONResponse lets API callers tell "no connectivity" apart from an
// error the API itself returned.
func offlineJSONResponse() *Response {
	body, _ := json.Marshal(offlinePayload{
		Error:   "offline",
		Offline: true,
		Message: "Network unavailable and no cached response exists for this request.",
	})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set(OfflineHeader, "true")
	return &Response{Status: OfflineStatus, Header: h, Body: body}
}

func offlineDocumentResponse() *Response {
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set(OfflineHeader, "true")
	return &Response{Status: OfflineStatus, Header: h, Body: offlinePage()}
}
