package rebuild

import "sync"

// Manager tracks the rebuild jobs running against a single nexus so that
// removing a child which is acting as some job's source can terminate
// every rebuild depending on it and report which destinations were
// cancelled as a result.
type Manager struct {
	mu   sync.Mutex
	jobs []*Job
}

// NewManager returns an empty job tracker.
func NewManager() *Manager {
	return &Manager{}
}

// Track registers job so a later CancelBySource can find it.
func (m *Manager) Track(job *Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
}

// ByDestination returns the still-active job rebuilding dstURI, if any.
func (m *Manager) ByDestination(dstURI string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.DstURI == dstURI && !isTerminal(j.State()) {
			return j, true
		}
	}
	return nil, false
}

// CancelBySource stops every still-active job reading from srcURI and
// returns the set of destinations those jobs were rebuilding.
func (m *Manager) CancelBySource(srcURI string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cancelled []string
	for _, j := range m.jobs {
		if j.SrcURI != srcURI || isTerminal(j.State()) {
			continue
		}
		j.Stop()
		cancelled = append(cancelled, j.DstURI)
	}
	return cancelled
}

func isTerminal(s State) bool {
	return s == Completed || s == Stopped || s == Failed
}
