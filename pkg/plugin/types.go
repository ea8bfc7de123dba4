package plugin

// Type represents the functional category of a plugin. The set is closed:
// manifests select which implementation to instantiate, never a new shape.
type Type string

const (
	// TypeGeneric plugins extend the host with auxiliary behaviour.
	TypeGeneric Type = "generic"
	// TypeTaskMonitor plugins own the job-watching strategy. At most one
	// may be started at a time.
	TypeTaskMonitor Type = "task_monitor"
	// TypeCommandExtension plugins contribute chat command verbs.
	TypeCommandExtension Type = "command_extension"
	// TypeCore plugins provide host-level services that other plugins may
	// depend on.
	TypeCore Type = "core"
)

// Valid reports whether the type is one of the known categories.
func (t Type) Valid() bool {
	switch t {
	case TypeGeneric, TypeTaskMonitor, TypeCommandExtension, TypeCore:
		return true
	default:
		return false
	}
}

// State represents the lifecycle position of a plugin instance. Instances
// advance discovered -> initialised -> started and regress to stopped or
// failed; Start is only legal from initialised or stopped.
type State string

const (
	StateDiscovered  State = "discovered"
	StateInitialised State = "initialised"
	StateStarted     State = "started"
	StateStopped     State = "stopped"
	StateFailed      State = "failed"
)

// InstanceStatus is the queryable projection of one managed plugin.
type InstanceStatus struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Type        Type           `json:"type"`
	Category    string         `json:"category,omitempty"`
	State       State          `json:"state"`
	Enabled     bool           `json:"enabled"`
	Reason      string         `json:"reason,omitempty"`
	Diagnostics map[string]any `json:"diagnostics,omitempty"`
}
