package session

// EffectiveStatus reconciles the two independently-updated sources of truth
// about a session: its persisted status and the liveness of its process.
//
// Truth preference: a terminal persisted status always wins (a cancel must
// not be resurrected by a still-draining process). For non-terminal
// statuses, process liveness wins: a dead process under a persisted
// "running" means the exit bookkeeping has not landed yet, so observers are
// told "completed" rather than a stale "running".
func EffectiveStatus(persisted Status, processAlive bool) Status {
	if persisted.IsTerminal() {
		return persisted
	}
	if persisted == StatusRunning && !processAlive {
		return StatusCompleted
	}
	return persisted
}
