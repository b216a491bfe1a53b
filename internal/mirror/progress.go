package mirror

import (
	"github.com/cheggaaa/pb/v3"
)

// progress wraps an optional terminal progress bar over fetch tasks.
// A nil receiver is a no-op so quiet mode needs no branching at call sites.
type progress struct {
	bar *pb.ProgressBar
}

func newProgress(total int, quiet bool) *progress {
	if quiet || total == 0 {
		return nil
	}
	return &progress{bar: pb.StartNew(total)}
}

func (p *progress) Increment() {
	if p == nil {
		return
	}
	p.bar.Increment()
}

func (p *progress) Finish() {
	if p == nil {
		return
	}
	p.bar.Finish()
}
