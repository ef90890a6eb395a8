package media

import "fmt"

type DecodeKind int

const (
	Software DecodeKind = iota
	Hardware
)

func (k DecodeKind) String() string {
	if k == Hardware {
		return "hardware"
	}
	return "software"
}

// DecodePath is resolved once per run. The only transition allowed afterwards
// is a single Hardware -> Software fallback.
type DecodePath struct {
	Kind     DecodeKind `json:"kind"`
	Accel    string     `json:"accel,omitempty"`
	Label    string     `json:"label"`
	FellBack bool       `json:"fellBack,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

func SoftwarePath() DecodePath {
	return DecodePath{Kind: Software, Label: "Software"}
}

func HardwarePath(accel string) DecodePath {
	return DecodePath{Kind: Hardware, Accel: accel, Label: fmt.Sprintf("Hardware (%s)", accel)}
}

func (p DecodePath) IsHardware() bool { return p.Kind == Hardware }

// Fallback returns the software path that replaces a failed hardware path.
// ok is false when p is already software.
func (p DecodePath) Fallback(reason string) (DecodePath, bool) {
	if p.Kind != Hardware {
		return p, false
	}
	return DecodePath{
		Kind:     Software,
		Label:    fmt.Sprintf("Software (fallback from %s)", p.Accel),
		FellBack: true,
		Reason:   reason,
	}, true
}

func (p DecodePath) String() string { return p.Label }
