package server

import (
	"time"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	svc    Controller
	checks []Check
	now    func() time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Handlers{svc: deps.Service, checks: deps.Checks, now: now}
}
