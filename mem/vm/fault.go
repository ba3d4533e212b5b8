package vm

import "fmt"

// A Fault describes a failed translation: the linear address that could
// not be translated and the access that was attempted.
type Fault struct {
	LinearAddr uint64
	Intent     Intent
}

func (f *Fault) Error() string {
	priv := "supervisor"
	if f.Intent.User {
		priv = "user"
	}
	return fmt.Sprintf("page fault at %#x (%s, %s)",
		f.LinearAddr, f.Intent.Kind, priv)
}
