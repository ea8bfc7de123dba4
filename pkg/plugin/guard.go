package plugin

import "fmt"

// guard invokes a lifecycle hook and converts a panic into an error so a
// misbehaving plugin can never take the host process down. The hook name is
// carried in the error for the failure reason.
func guard(name, hook string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin %s: %s panicked: %v", name, hook, r)
		}
	}()
	if fn == nil {
		return nil
	}
	return fn()
}

// guardStatus collects a plugin's diagnostics, absorbing panics. Diagnostics
// are best effort; a broken Status projection yields nil.
func guardStatus(p Plugin) (diag map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			diag = nil
		}
	}()
	if p == nil {
		return nil
	}
	return p.Status()
}
