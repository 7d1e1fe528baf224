// Package events defines the structured events emitted by the package
// acquisition pipeline. The core never renders output itself; a Listener
// installed by the caller (the CLI, a test) receives every event.
package events

import (
	"encoding/json"
	"fmt"
)

// Listener is a callback that receives events during a materialization run.
type Listener func(fmt.Stringer)

// Emit invokes the listener if one is installed. Safe on a nil Listener.
func (l Listener) Emit(e fmt.Stringer) {
	if l != nil {
		l(e)
	}
}

func jsonString(v interface{}) string {
	b, _ := json.Marshal(map[string]interface{}{
		fmt.Sprintf("%T", v): v,
	})
	return string(b)
}

// ResolutionStarted is emitted before dependency resolution begins.
type ResolutionStarted struct {
	Requests int `json:"requests"`
}

func (e ResolutionStarted) String() string { return jsonString(e) }

// ResolutionCompleted is emitted when the resolved set is final.
type ResolutionCompleted struct {
	Packages int `json:"packages"`
}

func (e ResolutionCompleted) String() string { return jsonString(e) }

// CacheHit is emitted when a stored layer matches the computed fingerprint.
type CacheHit struct {
	Fingerprint string `json:"fingerprint"`
}

func (e CacheHit) String() string { return jsonString(e) }

// CacheMiss is emitted when the layer must be rebuilt.
type CacheMiss struct {
	Fingerprint string `json:"fingerprint"`
}

func (e CacheMiss) String() string { return jsonString(e) }

// FetchStarted is emitted once before any archive download is issued.
type FetchStarted struct {
	Packages int `json:"packages"`
}

func (e FetchStarted) String() string { return jsonString(e) }

// DownloadStarted is emitted when a package download is handed to a worker.
type DownloadStarted struct {
	Package string `json:"package"`
	Version string `json:"version,omitempty"`
	URL     string `json:"url,omitempty"`
}

func (e DownloadStarted) String() string { return jsonString(e) }

// DownloadCompleted is emitted after a package downloaded and its checksum
// matched the descriptor.
type DownloadCompleted struct {
	Package string `json:"package"`
	Size    int64  `json:"size,omitempty"`
}

func (e DownloadCompleted) String() string { return jsonString(e) }

// DownloadFailed is emitted when a package download terminally fails.
type DownloadFailed struct {
	Package string `json:"package"`
	Error   string `json:"error,omitempty"`
}

func (e DownloadFailed) String() string { return jsonString(e) }

// ExtractStarted is emitted when a verified archive begins extraction.
type ExtractStarted struct {
	Package string `json:"package"`
}

func (e ExtractStarted) String() string { return jsonString(e) }

// ExtractCompleted is emitted after a package's tree is committed to the
// destination root.
type ExtractCompleted struct {
	Package string `json:"package"`
}

func (e ExtractCompleted) String() string { return jsonString(e) }
