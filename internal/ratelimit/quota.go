// Package ratelimit enforces per-handler request quotas. Quotas are looked up
// by guard class and handler, and spent per verified subject.
package ratelimit

import "time"

// Quota allows RequestsPerMinute sustained with up to BurstSize requests at
// once. A zero RequestsPerMinute means unlimited.
type Quota struct {
	RequestsPerMinute int
	BurstSize         int
}

func (q Quota) Enabled() bool { return q.RequestsPerMinute > 0 }

// emission is the spacing between requests at the sustained rate, in whole
// milliseconds.
func (q Quota) emission() int64 {
	ms := (time.Minute.Milliseconds() + int64(q.RequestsPerMinute) - 1) / int64(q.RequestsPerMinute)
	if ms < 1 {
		ms = 1
	}
	return ms
}

func (q Quota) burst() int64 {
	if q.BurstSize < 1 {
		return 1
	}
	return int64(q.BurstSize)
}

// Policy maps guard handlers to quotas. A "class.handler" entry beats a
// "class" entry, which beats the default. Callers without a verified subject
// get the anonymous quota when one is set.
type Policy struct {
	def       Quota
	anonymous Quota
	entries   map[string]Quota
}

func NewPolicy(def, anonymous Quota) *Policy {
	return &Policy{def: def, anonymous: anonymous, entries: map[string]Quota{}}
}

// Set registers q for key. An explicit zero quota lifts the limit for key.
func (p *Policy) Set(key string, q Quota) {
	p.entries[key] = q
}

// For returns the quota for class and handler.
func (p *Policy) For(class, handler string, anonymous bool) Quota {
	if p == nil {
		return Quota{}
	}
	if anonymous && p.anonymous.Enabled() {
		return p.anonymous
	}
	if handler != "" {
		if q, ok := p.entries[class+"."+handler]; ok {
			return q
		}
	}
	if q, ok := p.entries[class]; ok {
		return q
	}
	return p.def
}

// Enabled reports whether any request could be limited.
func (p *Policy) Enabled() bool {
	if p == nil {
		return false
	}
	if p.def.Enabled() || p.anonymous.Enabled() {
		return true
	}
	for _, q := range p.entries {
		if q.Enabled() {
			return true
		}
	}
	return false
}
