// Package reference stores named image/text templates scoped to a
// userinterface, used by verifications to match screen content.
package reference

// Type distinguishes image templates from OCR text templates.
type Type string

const (
	TypeImage Type = "image"
	TypeText  Type = "text"
)

// Area is the cropped region of the source image, in pixels.
type Area struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Valid reports whether the area has positive extent.
func (a Area) Valid() bool {
	return a.W > 0 && a.H > 0 && a.X >= 0 && a.Y >= 0
}

// Reference is one stored template, unique by (team, interface, name).
type Reference struct {
	Team      string `json:"team"`
	Interface string `json:"interface_name"`
	Name      string `json:"name"`
	Type      Type   `json:"type"`
	Area      Area   `json:"area"`
	ImageURL  string `json:"image_url,omitempty"` // cropped artifact
	SourceURL string `json:"source_url,omitempty"`
	Text      string `json:"text,omitempty"`
	Language  string `json:"language,omitempty"`
	Regex     string `json:"regex,omitempty"`
	// Modified is bumped when text or area of an existing reference
	// changes; the editor uses it to decide whether to re-upload.
	Modified bool `json:"modified,omitempty"`
}
