package runner

// =============================================================================
// Run Report
// =============================================================================

// Status is the terminal state of one service's work within a run.
type Status string

const (
	// StatusPending is the initial state; it never appears in a finished
	// report except for services abandoned by cancellation.
	StatusPending Status = "pending"
	// StatusRunning marks a service whose work is in flight.
	StatusRunning Status = "running"
	// StatusSucceeded marks a service whose every planned action completed.
	StatusSucceeded Status = "succeeded"
	// StatusFailed marks a service where an action returned an error.
	StatusFailed Status = "failed"
	// StatusSkipped marks a service never attempted because an upstream
	// dependency failed or was skipped.
	StatusSkipped Status = "skipped"
	// StatusCancelled marks a service abandoned mid-run by cancellation.
	// Services already succeeded when cancellation arrives keep their
	// succeeded status.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}

// ServiceOutcome records how one service fared.
type ServiceOutcome struct {
	Service string
	Status  Status
	Err     error // nil unless Status is failed, skipped or cancelled
}

// Report aggregates the outcome of a whole run. It answers the only
// question callers have: did everything converge, and if not, what
// happened to each service.
type Report struct {
	RunID    string
	Project  string
	Outcomes []ServiceOutcome
}

// OutcomeFor returns the outcome for the named service.
func (r *Report) OutcomeFor(service string) (ServiceOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.Service == service {
			return o, true
		}
	}
	return ServiceOutcome{}, false
}

// Succeeded returns the count of succeeded services.
func (r *Report) Succeeded() int { return r.count(StatusSucceeded) }

// Failed returns the count of failed services.
func (r *Report) Failed() int { return r.count(StatusFailed) }

// Skipped returns the count of skipped services.
func (r *Report) Skipped() int { return r.count(StatusSkipped) }

// Cancelled returns the count of cancelled services.
func (r *Report) Cancelled() int { return r.count(StatusCancelled) }

// Success reports whether the run converged completely: every service
// succeeded, nothing failed, skipped or cancelled.
func (r *Report) Success() bool {
	for _, o := range r.Outcomes {
		if o.Status != StatusSucceeded {
			return false
		}
	}
	return true
}

func (r *Report) count(s Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}
