// Package memory holds in-process provider fakes with call counting and failure
// injection, for tests and dry runs.
package memory

import (
	"sync"

	"projectflow/internal/provider"
)

// Faults counts calls per operation and returns queued errors in order.
type Faults struct {
	mu     sync.Mutex
	queued map[string][]error
	calls  map[string]int
}

// FailNext makes the next len(errs) calls of op return errs in order.
func (f *Faults) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queued == nil {
		f.queued = map[string][]error{}
	}
	f.queued[op] = append(f.queued[op], errs...)
}

// Calls returns how many times op was invoked, failures included.
func (f *Faults) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Faults) hit(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[op]++
	q := f.queued[op]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	f.queued[op] = q[1:]
	return err
}

// Provider bundles one fake of every capability.
type Provider struct {
	Documents *Documents
	Folders   *Folders
	Calendar  *Calendar
	Mail      *Mailer
	Forms     *Forms
}

// New returns fakes where owner holds the owner grant on every folder created.
func New(owner string) *Provider {
	return &Provider{
		Documents: NewDocuments(),
		Folders:   NewFolders(owner),
		Calendar:  NewCalendar(),
		Mail:      &Mailer{},
		Forms:     &Forms{},
	}
}

func (p *Provider) Set() provider.Set {
	return provider.Set{
		Documents: p.Documents,
		Folders:   p.Folders,
		Calendar:  p.Calendar,
		Mail:      p.Mail,
		Forms:     p.Forms,
	}
}
