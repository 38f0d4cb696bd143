// Package command is the per-device-model catalog of valid action and
// verification commands, with parameter validation and typo suggestions.
package command

// Kind groups commands by the transport that executes them on the host.
type Kind string

const (
	KindRemote Kind = "remote"
	KindADB    Kind = "adb"
	KindWeb    Kind = "web"
	KindIR     Kind = "ir"
)

// ParamSpec describes a single parameter of a command.
type ParamSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // string, int, float, bool
	Required bool   `json:"required"`
}

// Spec describes one command available on a device model.
type Spec struct {
	DeviceModel   string      `json:"device_model"`
	Name          string      `json:"command_name"`
	Kind          Kind        `json:"kind"`
	Params        []ParamSpec `json:"params_schema,omitempty"`
	Category      string      `json:"category"`
	Description   string      `json:"description,omitempty"`
	RequiresInput bool        `json:"requires_input,omitempty"`
}

// Default post-action wait baselines in milliseconds, keyed by command name.
var defaultWaitMS = map[string]int{
	"launch_app": 8000,
	"click":      2000,
	"press_key":  1000,
	"back":       1500,
	"type_text":  1000,
}

// DefaultWaitMS returns the baseline wait for the named command, or the
// generic fallback of 1000 ms.
func DefaultWaitMS(name string) int {
	if v, ok := defaultWaitMS[name]; ok {
		return v
	}
	return 1000
}
