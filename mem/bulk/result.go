package bulk

// Outcome is the three-state result of a bulk operation.
type Outcome int

const (
	// Completed means the operation was performed fully and physical
	// memory was mutated accordingly.
	Completed Outcome = iota

	// Declined means preflight found at least one inaccessible page.
	// Nothing guest-visible changed; the caller falls back to the
	// byte-at-a-time path, which raises the proper fault if and when it
	// reaches the bad byte.
	Declined

	// Faulted means a hard error occurred outside the preflight
	// envelope. It signals a programming error, not a guest fault.
	Faulted
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Declined:
		return "declined"
	case Faulted:
		return "faulted"
	}
	return "unknown"
}

// Result carries the outcome of a bulk operation and, for Faulted, the
// error that caused it.
type Result struct {
	Outcome Outcome
	Err     error
}

func completed() Result {
	return Result{Outcome: Completed}
}

func declined() Result {
	return Result{Outcome: Declined}
}

func faulted(err error) Result {
	return Result{Outcome: Faulted, Err: err}
}
