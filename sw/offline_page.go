package sw

import (
	"embed"
)

//go:embed offline.html
var offlineFS embed.FS

var fallbackOfflinePage = []byte("<!doctype html><title>Offline</title><h1>Unavailable offline</h1>")

func offlinePage() []byte {
	content, err := offlineFS.ReadFile("offline.html")
	if err != nil {
		return append([]byte(nil), fallbackOfflinePage...)
	}
	return content
}
