package sw

import (
	"net/http"
	"net/url"
	"strings"
)

// Strategy is the caching discipline chosen for one intercepted request.
type Strategy int

const (
	// Passthrough forwards to the network and never touches a store.
	Passthrough Strategy = iota
	// Static is cache-first with write-through into the static store.
	Static
	// RemoteAPI is network-first with fallback to the dynamic store.
	RemoteAPI
	// Navigation serves the cached root document and revalidates it.
	Navigation
)

func (s Strategy) String() string {
	switch s {
	case Static:
		return "static"
	case RemoteAPI:
		return "remote_api"
	case Navigation:
		return "navigation"
	default:
		return "passthrough"
	}
}

// DefaultStaticExtensions are matched as URL path suffixes.
var DefaultStaticExtensions = []string{".js", ".css", ".png", ".jpg", ".jpeg", ".svg", ".woff", ".woff2"}

// RequestDescriptor is the part of a request that decides classification
// and cache identity.
type RequestDescriptor struct {
	Method   string
	URL      string
	Navigate bool
}

// DescribeRequest builds a descriptor from an intercepted request. A request
// is a navigation when the browser marks it as one via Fetch Metadata.
func DescribeRequest(req *http.Request) RequestDescriptor {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	mode := strings.ToLower(req.Header.Get("Sec-Fetch-Mode"))
	dest := strings.ToLower(req.Header.Get("Sec-Fetch-Dest"))
	return RequestDescriptor{
		Method:   method,
		URL:      req.URL.String(),
		Navigate: mode == "navigate" || dest == "document",
	}
}

// Key is the store key for the descriptor. Only method and URL take part;
// no Vary headers are honoured.
func (d RequestDescriptor) Key() string {
	return d.Method + " " + d.URL
}

// Classifier selects a Strategy for a descriptor. It is a pure function of
// its configuration and the descriptor.
type Classifier struct {
	StaticExtensions []string
	RemoteHosts      []string
}

// NewClassifier returns a classifier using DefaultStaticExtensions when
// extensions is empty. Empty host entries are ignored.
func NewClassifier(extensions, remoteHosts []string) *Classifier {
	c := &Classifier{}
	if len(extensions) == 0 {
		extensions = DefaultStaticExtensions
	}
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.StaticExtensions = append(c.StaticExtensions, ext)
	}
	for _, host := range remoteHosts {
		host = strings.TrimSpace(host)
		if host != "" {
			c.RemoteHosts = append(c.RemoteHosts, host)
		}
	}
	return c
}

// Classify applies the rules in order: non-GET, static extension, remote
// host, navigation. The extension check runs before the host check so an
// asset served from an API host is still Static.
func (c *Classifier) Classify(d RequestDescriptor) Strategy {
	if d.Method != http.MethodGet {
		return Passthrough
	}
	if c.isStatic(d.URL) {
		return Static
	}
	for _, host := range c.RemoteHosts {
		if strings.Contains(d.URL, host) {
			return RemoteAPI
		}
	}
	if d.Navigate {
		return Navigation
	}
	return Passthrough
}

func (c *Classifier) isStatic(rawURL string) bool {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}
	path = strings.ToLower(path)
	for _, ext := range c.StaticExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}
