// Package fingerprint derives a best-effort client identifier from a
// reported probe environment.
//
// The identifier is a uniqueness heuristic, not a security boundary: a
// client that lies about its environment gets a different hash, nothing
// more. Collision resistance matters only in the "two honest clients
// should rarely collide" sense, which SHA-256 over the concatenated
// probe fields gives for free.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/luisfsill/abusegate/internal/domain"
)

// Compute returns the fixed-length fingerprint hash for an environment.
// It is a pure function: the same environment always yields the same
// hash, and any changed probe changes it with high probability. Failed
// probes (empty hash fields) are replaced with their sentinel values so
// restrictive clients still fingerprint deterministically.
func Compute(env domain.Environment) string {
	parts := components(env)
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// components flattens the environment into an ordered list of probe
// strings. Order is part of the hash contract; do not reorder fields
// without accepting that every stored ledger key rotates.
func components(env domain.Environment) []string {
	canvas := env.CanvasHash
	if canvas == "" {
		canvas = domain.SentinelCanvasError
	}
	webgl := env.WebGLHash
	if webgl == "" {
		webgl = domain.SentinelNoWebGL
	}
	audio := env.AudioHash
	if audio == "" {
		audio = domain.SentinelNoAudio
	}

	return []string{
		fmt.Sprintf("%dx%dx%d", env.ScreenWidth, env.ScreenHeight, env.ColorDepth),
		env.Timezone,
		strings.Join(env.Languages, ","),
		env.Platform,
		fmt.Sprintf("cores=%d", env.HardwareConcurrency),
		fmt.Sprintf("mem=%.1f", env.DeviceMemoryGB),
		fmt.Sprintf("touch=%d", env.TouchPoints),
		fmt.Sprintf("cookies=%t", env.CookiesEnabled),
		canvas,
		webgl,
		audio,
	}
}
