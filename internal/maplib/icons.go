package maplib

import "strings"

// IconSet holds the default marker glyph URLs
type IconSet struct {
	Default Icon `json:"default"`
}

// PatchDefaultIcons points the default marker glyphs at absolute CDN paths
func PatchDefaultIcons(baseURL string) IconSet {
	base := strings.TrimRight(baseURL, "/")
	return IconSet{
		Default: Icon{
			IconURL:       base + "/marker-icon.png",
			IconRetinaURL: base + "/marker-icon-2x.png",
			ShadowURL:     base + "/marker-shadow.png",
		},
	}
}

// WithStyle returns the default glyph recolored and labelled
func (s IconSet) WithStyle(color, label string, pulse bool) Icon {
	icon := s.Default
	icon.Color = color
	icon.Label = label
	icon.Pulse = pulse
	return icon
}
