package command

// Set bundles the specs one transport kind contributes to a device model.
// Builtin sets are registered explicitly at startup; nothing is discovered
// by reflection.
type Set struct {
	Kind  Kind
	Specs []Spec
}

// RemoteSet returns the infrared/remote-control commands shared by TV and
// set-top-box models.
func RemoteSet() Set {
	return Set{
		Kind: KindRemote,
		Specs: []Spec{
			{Name: "press_key", Category: "remote", Description: "Press a single remote key",
				Params: []ParamSpec{{Name: "key", Type: "string", Required: true}}},
			{Name: "back", Category: "remote", Description: "Press the back key"},
			{Name: "home", Category: "remote", Description: "Press the home key"},
			{Name: "channel_up", Category: "remote", Description: "Channel up"},
			{Name: "channel_down", Category: "remote", Description: "Channel down"},
			{Name: "type_text", Category: "remote", Description: "Type text via the virtual keyboard",
				RequiresInput: true,
				Params:        []ParamSpec{{Name: "text", Type: "string", Required: true}}},
		},
	}
}

// ADBSet returns the Android debug-bridge commands.
func ADBSet() Set {
	return Set{
		Kind: KindADB,
		Specs: []Spec{
			{Name: "launch_app", Category: "adb", Description: "Launch an application by package name",
				Params: []ParamSpec{{Name: "package", Type: "string", Required: true}}},
			{Name: "close_app", Category: "adb", Description: "Force-stop an application",
				Params: []ParamSpec{{Name: "package", Type: "string", Required: true}}},
			{Name: "click", Category: "adb", Description: "Tap an on-screen element",
				Params: []ParamSpec{
					{Name: "element_id", Type: "string", Required: true},
					{Name: "timeout_ms", Type: "int", Required: false},
				}},
			{Name: "check_process_running", Category: "verification_adb", Description: "Verify a process is alive",
				Params: []ParamSpec{{Name: "process", Type: "string", Required: true}}},
		},
	}
}

// WebSet returns the browser-automation commands used by host_vnc models.
func WebSet() Set {
	return Set{
		Kind: KindWeb,
		Specs: []Spec{
			{Name: "open_url", Category: "web", Description: "Navigate the browser to a URL",
				Params: []ParamSpec{{Name: "url", Type: "string", Required: true}}},
			{Name: "click_element", Category: "web", Description: "Click a page element",
				Params: []ParamSpec{
					{Name: "element_id", Type: "string", Required: true},
					{Name: "timeout_ms", Type: "int", Required: false},
				}},
			{Name: "type_text", Category: "web", Description: "Type into the focused element",
				RequiresInput: true,
				Params:        []ParamSpec{{Name: "text", Type: "string", Required: true}}},
			{Name: "waitForElementToAppear", Category: "verification_web", Description: "Wait until an element is visible",
				Params: []ParamSpec{
					{Name: "search_term", Type: "string", Required: true},
					{Name: "timeout_ms", Type: "int", Required: false},
				}},
			{Name: "waitForElementToDisappear", Category: "verification_web", Description: "Wait until an element is gone",
				Params: []ParamSpec{
					{Name: "search_term", Type: "string", Required: true},
					{Name: "timeout_ms", Type: "int", Required: false},
				}},
		},
	}
}

// IRSet returns the raw infrared blaster commands for models without a
// network remote.
func IRSet() Set {
	return Set{
		Kind: KindIR,
		Specs: []Spec{
			{Name: "ir_send", Category: "ir", Description: "Send a raw IR code",
				Params: []ParamSpec{{Name: "code", Type: "string", Required: true}}},
		},
	}
}

// ImageVerificationSet returns the image/text verification commands every
// model with a capture pipeline supports.
func ImageVerificationSet() Set {
	return Set{
		Kind: KindRemote,
		Specs: []Spec{
			{Name: "image_match", Category: "verification_image", Description: "Match a reference image region",
				Params: []ParamSpec{
					{Name: "image_path", Type: "string", Required: true},
					{Name: "reference_name", Type: "string", Required: false},
					{Name: "threshold", Type: "float", Required: false},
				}},
			{Name: "text_match", Category: "verification_text", Description: "OCR a region and match text",
				Params: []ParamSpec{
					{Name: "text", Type: "string", Required: true},
					{Name: "reference_name", Type: "string", Required: false},
				}},
		},
	}
}
