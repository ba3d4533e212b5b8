package vm

// AccessKind tells the walker what the translated address will be used
// for.
type AccessKind int

const (
	// AccessRead is a data read.
	AccessRead AccessKind = iota

	// AccessWrite is a data write.
	AccessWrite

	// AccessFetch is an instruction fetch.
	AccessFetch
)

func (k AccessKind) String() string {
	switch k {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessFetch:
		return "fetch"
	}
	return "unknown"
}

// Intent describes one memory access for permission checking: what kind
// of access it is and whether it runs at user privilege.
type Intent struct {
	Kind AccessKind
	User bool
}
