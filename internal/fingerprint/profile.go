package fingerprint

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// DeviceProfile carries the raw browser signals a client submits for
// fingerprinting. All fields are optional; missing signals just narrow
// the fingerprint.
type DeviceProfile struct {
	CanvasSignature string            `json:"canvas_signature"`
	WebGLSignature  string            `json:"webgl_signature"`
	AudioSignature  string            `json:"audio_signature"`
	UserAgent       string            `json:"user_agent"`
	Language        string            `json:"language"`
	Timezone        string            `json:"timezone"`
	ScreenWidth     int               `json:"screen_width"`
	ScreenHeight    int               `json:"screen_height"`
	ColorDepth      int               `json:"color_depth"`
	Capabilities    map[string]string `json:"capabilities"`
}

// ProfileSources builds the default ordered source list from a device
// profile. Sources here never block; the Source indirection keeps them
// interchangeable with slower collectors (header inspection, enrichment
// lookups) behind the same synthesizer.
func ProfileSources(p DeviceProfile) []Source {
	return []Source{
		staticSource("canvas", p.CanvasSignature),
		staticSource("webgl", p.WebGLSignature),
		staticSource("audio", p.AudioSignature),
		staticSource("user_agent", p.UserAgent),
		staticSource("language", p.Language),
		staticSource("timezone", p.Timezone),
		staticSource("screen", screenSignal(p)),
		staticSource("capabilities", capabilitySignal(p.Capabilities)),
	}
}

func staticSource(name, value string) Source {
	return Source{
		Name: name,
		Read: func(context.Context) (string, error) {
			return strings.TrimSpace(value), nil
		},
	}
}

func screenSignal(p DeviceProfile) string {
	if p.ScreenWidth <= 0 && p.ScreenHeight <= 0 && p.ColorDepth <= 0 {
		return ""
	}
	return fmt.Sprintf("%dx%dx%d", p.ScreenWidth, p.ScreenHeight, p.ColorDepth)
}

// capabilitySignal renders capabilities in sorted key order so map
// iteration order never changes the fingerprint.
func capabilitySignal(caps map[string]string) string {
	if len(caps) == 0 {
		return ""
	}
	keys := make([]string, 0, len(caps))
	for k := range caps {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+caps[k])
	}
	return strings.Join(parts, ",")
}
