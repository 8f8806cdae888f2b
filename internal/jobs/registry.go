package jobs

import "sync"

// Registry tracks which jobs belong to which highlight and which one the
// highlight currently displays. Activation only ever gates display; whether
// a result is persisted is decided elsewhere, so a deactivated or dismissed
// job still completes and saves normally.
type Registry struct {
	mu        sync.Mutex
	active    map[int64]int64 // highlight ID -> active job ID
	all       map[int64][]int64
	owner     map[int64]int64 // job ID -> highlight ID
	dismissed map[int64]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		active:    make(map[int64]int64),
		all:       make(map[int64][]int64),
		owner:     make(map[int64]int64),
		dismissed: make(map[int64]struct{}),
	}
}

// Track registers the job under its highlight and makes it the active one.
// The later submission always wins the active slot; earlier jobs keep
// running untracked.
func (r *Registry) Track(highlightID, jobID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.all[highlightID] = append(r.all[highlightID], jobID)
	r.owner[jobID] = highlightID
	r.active[highlightID] = jobID
}

// IsActive reports whether the job is the one the highlight displays.
func (r *Registry) IsActive(highlightID, jobID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[highlightID] == jobID
}

// ActiveJob returns the highlight's displayed job, if any.
func (r *Registry) ActiveJob(highlightID int64) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobID, ok := r.active[highlightID]
	return jobID, ok
}

// Deactivate clears the highlight's active pointer. Tracked jobs stay
// registered and keep running.
func (r *Registry) Deactivate(highlightID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, highlightID)
}

// Dismiss records cancel intent for the job and stops displaying it. The
// job itself runs to completion; dismissal withdraws display interest only.
func (r *Registry) Dismiss(jobID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dismissed[jobID] = struct{}{}
	if hid, ok := r.owner[jobID]; ok && r.active[hid] == jobID {
		delete(r.active, hid)
	}
}

// Dismissed reports whether cancel intent was recorded for the job.
func (r *Registry) Dismissed(jobID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.dismissed[jobID]
	return ok
}

// Release forgets the job everywhere. Idempotent: releasing an unknown or
// already-released job is a no-op.
func (r *Registry) Release(jobID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hid, ok := r.owner[jobID]
	if !ok {
		delete(r.dismissed, jobID)
		return
	}

	ids := r.all[hid]
	for i, jid := range ids {
		if jid == jobID {
			r.all[hid] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.all[hid]) == 0 {
		delete(r.all, hid)
	}
	if r.active[hid] == jobID {
		delete(r.active, hid)
	}
	delete(r.owner, jobID)
	delete(r.dismissed, jobID)
}

// JobsFor returns every job ID ever tracked for the highlight, in
// submission order.
func (r *Registry) JobsFor(highlightID int64) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.all[highlightID]...)
}

// Owner returns the highlight a job was tracked under.
func (r *Registry) Owner(jobID int64) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hid, ok := r.owner[jobID]
	return hid, ok
}
