package session

// PresenceChange is the outcome of one presence signal.
type PresenceChange uint8

const (
	PresenceUnchanged PresenceChange = iota

	// PresenceMarkedAbsent: first absent report, treated as noise.
	PresenceMarkedAbsent

	// PresenceAbsentConfirmed: second consecutive absent report. The
	// sub-device leaves its gateway and disconnects.
	PresenceAbsentConfirmed

	// PresenceRecovered: online after one or more offline reports.
	PresenceRecovered

	// PresenceWentOffline: first offline report.
	PresenceWentOffline

	// PresenceOfflineConfirmed: the offline threshold was reached.
	PresenceOfflineConfirmed
)

// PresenceDecision is returned by PresenceTracker.Observe.
type PresenceDecision struct {
	Change PresenceChange

	// BackFromAbsent is set when a non-absent signal cleared the absent flag.
	BackFromAbsent bool
}

// Disconnect reports whether the decision ends the sub-device's session.
func (d PresenceDecision) Disconnect() bool {
	return d.Change == PresenceAbsentConfirmed || d.Change == PresenceOfflineConfirmed
}

// PresenceTracker turns noisy gateway presence reports into connect and
// disconnect decisions. A single absent report only sets a flag; a second
// one confirms removal. Offline reports are counted and disconnect once the
// threshold is reached; any online report resets the count.
//
// The zero value is not usable; use NewPresenceTracker. Not safe for
// concurrent use; the owning session serialises access.
type PresenceTracker struct {
	threshold int
	absent    bool
	offline   int
}

// NewPresenceTracker returns a tracker that confirms offline after
// threshold consecutive reports. threshold below 1 is raised to 1.
func NewPresenceTracker(threshold int) *PresenceTracker {
	return &PresenceTracker{threshold: max(threshold, 1)}
}

// Observe applies one signal.
func (p *PresenceTracker) Observe(sig PresenceSignal) PresenceDecision {
	if sig == PresenceAbsent {
		if !p.absent {
			p.absent = true
			return PresenceDecision{Change: PresenceMarkedAbsent}
		}
		p.offline = 0
		return PresenceDecision{Change: PresenceAbsentConfirmed}
	}

	var d PresenceDecision
	if p.absent {
		p.absent = false
		d.BackFromAbsent = true
	}

	if sig == PresenceOnline {
		if p.offline > 0 {
			d.Change = PresenceRecovered
		}
		p.offline = 0
		return d
	}

	p.offline++
	switch p.offline {
	case p.threshold:
		d.Change = PresenceOfflineConfirmed
	case 1:
		d.Change = PresenceWentOffline
	}
	return d
}

// MarkAbsent sets the absent flag without confirming removal. Returns false
// when the flag was already set.
func (p *PresenceTracker) MarkAbsent() bool {
	if p.absent {
		return false
	}
	p.absent = true
	return true
}

// Reset clears all presence state after a successful connect.
func (p *PresenceTracker) Reset() {
	p.absent = false
	p.offline = 0
}

// Absent reports the absent flag.
func (p *PresenceTracker) Absent() bool { return p.absent }

// OfflineCount returns the consecutive offline reports.
func (p *PresenceTracker) OfflineCount() int { return p.offline }

// Threshold returns the offline confirmation count.
func (p *PresenceTracker) Threshold() int { return p.threshold }
