package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/modrelay/agent/process"
	psprocess "github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// SessionStatus is the JSON shape returned by GET /sessions.
type SessionStatus struct {
	ID         string
	Module     string
	PID        int
	RemoteAddr string
	Started    string
	RSSBytes   uint64
	CPUPercent float64
}

type trackedSession struct {
	id     string
	info   process.SessionInfo
	cancel context.CancelFunc
}

// Registry keeps track of live sessions so they can be listed and killed over HTTP.
type Registry struct {
	log *zap.SugaredLogger

	m        sync.Mutex
	sessions map[string]*trackedSession
}

func NewRegistry(log *zap.SugaredLogger) *Registry {
	return &Registry{
		log:      log,
		sessions: map[string]*trackedSession{},
	}
}

// Track implements process.Tracker.
func (r *Registry) Track(info process.SessionInfo, cancel context.CancelFunc) func() {
	id := uuid.NewString()
	r.m.Lock()
	r.sessions[id] = &trackedSession{id: id, info: info, cancel: cancel}
	r.m.Unlock()
	r.log.Debugw("tracking session", "ID", id, "Module", info.Module, "PID", info.PID)

	return func() {
		r.m.Lock()
		delete(r.sessions, id)
		r.m.Unlock()
		r.log.Debugw("untracked session", "ID", id)
	}
}

// List returns every live session, oldest first, with resource usage of its child.
func (r *Registry) List() []SessionStatus {
	r.m.Lock()
	tracked := make([]*trackedSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		tracked = append(tracked, s)
	}
	r.m.Unlock()

	sort.Slice(tracked, func(i, j int) bool {
		return tracked[i].info.Started.Before(tracked[j].info.Started)
	})

	statuses := make([]SessionStatus, 0, len(tracked))
	for _, s := range tracked {
		status := SessionStatus{
			ID:         s.id,
			Module:     s.info.Module,
			PID:        s.info.PID,
			RemoteAddr: s.info.RemoteAddr,
			Started:    s.info.Started.UTC().Format(time.RFC3339),
		}
		r.fillUsage(&status)
		statuses = append(statuses, status)
	}
	return statuses
}

// fillUsage is best-effort; the child may exit between listing and sampling.
func (r *Registry) fillUsage(status *SessionStatus) {
	p, err := psprocess.NewProcess(int32(status.PID))
	if err != nil {
		r.log.Debugw("unable to inspect child", "PID", status.PID, "Error", err)
		return
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		r.log.Debugw("unable to read child memory", "PID", status.PID, "Error", err)
	} else {
		status.RSSBytes = mem.RSS
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		r.log.Debugw("unable to read child CPU", "PID", status.PID, "Error", err)
	} else {
		status.CPUPercent = cpu
	}
}

// Cancel tears down the session with the given ID, killing its child.
// It returns false if there is no such session.
func (r *Registry) Cancel(id string) bool {
	r.m.Lock()
	s, ok := r.sessions[id]
	r.m.Unlock()
	if !ok {
		return false
	}
	r.log.Infow("cancelling session", "ID", id, "PID", s.info.PID)
	s.cancel()
	return true
}

// CancelAll tears down every live session.
func (r *Registry) CancelAll() {
	r.m.Lock()
	defer r.m.Unlock()
	for _, s := range r.sessions {
		s.cancel()
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.m.Lock()
	defer r.m.Unlock()
	return len(r.sessions)
}
