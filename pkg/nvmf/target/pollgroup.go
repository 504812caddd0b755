package target

// pollGroup stands in for the one-poll-group-per-reactor-core SPDK
// construct. It carries no behavior of its own here: the actual
// connection dispatch in this implementation runs on ordinary goroutines
// rather than a cooperative per-core reactor, but the group is still
// created and destroyed in the expected order so the target's lifecycle
// log and shutdown ordering match.
type pollGroup struct {
	core int
}

func createPollGroups(cores int) []*pollGroup {
	groups := make([]*pollGroup, cores)
	for i := 0; i < cores; i++ {
		groups[i] = &pollGroup{core: i}
	}
	return groups
}

// destroyPollGroups destroys groups in reverse order.
func destroyPollGroups(groups []*pollGroup) {
	for i := len(groups) - 1; i >= 0; i-- {
		groups[i] = nil
	}
}
