package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/debstage/debstage/internal/events"
)

// progressRenderer turns pipeline events into terminal progress bars. All
// rendering lives here; the core packages only emit events.
type progressRenderer struct {
	mu         sync.Mutex
	total      int
	extracting bool
	bar        *progressbar.ProgressBar
}

func newProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionFullWidth(),
		progressbar.OptionShowDescriptionAtLineEnd(),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}

// Listen implements events.Listener.
func (p *progressRenderer) Listen(e fmt.Stringer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch event := e.(type) {
	case events.FetchStarted:
		p.total = event.Packages
		p.bar = newProgressBar(event.Packages, "downloading")
	case events.DownloadStarted:
		if p.bar != nil {
			p.bar.Describe(fmt.Sprintf("downloading %s", event.Package))
		}
	case events.DownloadCompleted, events.DownloadFailed:
		if p.bar != nil {
			p.bar.Add(1)
		}
	case events.ExtractStarted:
		if !p.extracting {
			p.extracting = true
			if p.bar != nil {
				p.bar.Finish()
			}
			p.bar = newProgressBar(p.total, "extracting")
		}
		p.bar.Describe(fmt.Sprintf("extracting %s", event.Package))
	case events.ExtractCompleted:
		if p.bar != nil {
			p.bar.Add(1)
		}
	}
}
