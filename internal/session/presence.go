package session

import "sort"

// presence tracks the active visitor list and the per-visitor status map.
// Status is driven entirely by externally delivered events; no timers
// infer transitions here. Not concurrency-safe on its own; the Controller
// serializes access.
type presence struct {
	visitors map[string]*Visitor
	statuses map[string]string
}

func newPresence() *presence {
	return &presence{
		visitors: make(map[string]*Visitor),
		statuses: make(map[string]string),
	}
}

// ensure returns the visitor entry, creating a bare one on first sight.
func (p *presence) ensure(visitorID string) *Visitor {
	v := p.visitors[visitorID]
	if v == nil {
		v = &Visitor{ID: visitorID}
		p.visitors[visitorID] = v
	}
	return v
}

func (p *presence) get(visitorID string) *Visitor {
	return p.visitors[visitorID]
}

// setStatus records a non-terminal status in place.
func (p *presence) setStatus(visitorID, status string) {
	p.statuses[visitorID] = status
	if v := p.visitors[visitorID]; v != nil {
		v.Status = status
	}
}

// remove drops a visitor entirely; the terminal offline transition.
func (p *presence) remove(visitorID string) {
	delete(p.visitors, visitorID)
	delete(p.statuses, visitorID)
}

func (p *presence) status(visitorID string) string {
	return p.statuses[visitorID]
}

// list returns the active visitors, most recently active first.
func (p *presence) list() []Visitor {
	out := make([]Visitor, 0, len(p.visitors))
	for _, v := range p.visitors {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastTimestamp != out[j].LastTimestamp {
			return out[i].LastTimestamp > out[j].LastTimestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (p *presence) clear() {
	p.visitors = make(map[string]*Visitor)
	p.statuses = make(map[string]string)
}
