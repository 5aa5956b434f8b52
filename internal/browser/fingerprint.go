// Package browser provides page sessions for the extraction engine: a
// fingerprint profile catalog, an HTTP-backed PageSession with block
// detection, and a bounded session pool.
package browser

import (
	"hash/fnv"
	"sync"

	"pricewatch/internal/domain"
)

// profiles is the coherent fingerprint catalog. Each entry bundles user
// agent, locale, and hardware hints that plausibly belong together; knobs are
// never mixed across profiles.
var profiles = []domain.FingerprintProfile{
	{
		Name:          "chrome-win",
		UserAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		Language:      "pt-BR,pt;q=0.9,en;q=0.8",
		Timezone:      "America/Sao_Paulo",
		ScreenWidth:   1920,
		ScreenHeight:  1080,
		WebGLVendor:   "Google Inc. (NVIDIA)",
		WebGLRenderer: "ANGLE (NVIDIA, NVIDIA GeForce GTX 1660 Direct3D11 vs_5_0 ps_5_0)",
	},
	{
		Name:          "chrome-mac",
		UserAgent:     "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		Language:      "pt-BR,pt;q=0.9",
		Timezone:      "America/Sao_Paulo",
		ScreenWidth:   2560,
		ScreenHeight:  1600,
		WebGLVendor:   "Google Inc. (Apple)",
		WebGLRenderer: "ANGLE (Apple, Apple M2, OpenGL 4.1)",
	},
	{
		Name:          "firefox-win",
		UserAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:128.0) Gecko/20100101 Firefox/128.0",
		Language:      "pt-BR,pt;q=0.8,en-US;q=0.5",
		Timezone:      "America/Sao_Paulo",
		ScreenWidth:   1920,
		ScreenHeight:  1080,
		WebGLVendor:   "Mozilla",
		WebGLRenderer: "Mozilla -- ANGLE (AMD, AMD Radeon RX 6600 Direct3D11 vs_5_0 ps_5_0)",
	},
	{
		Name:          "edge-win",
		UserAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36 Edg/126.0.0.0",
		Language:      "pt-BR,pt;q=0.9,en;q=0.7",
		Timezone:      "America/Sao_Paulo",
		ScreenWidth:   1536,
		ScreenHeight:  864,
		WebGLVendor:   "Google Inc. (Intel)",
		WebGLRenderer: "ANGLE (Intel, Intel(R) UHD Graphics 630 Direct3D11 vs_5_0 ps_5_0)",
	},
}

// Fingerprints picks session fingerprints. A domain keeps its profile for a
// while so consecutive visits look like the same visitor, rotating on an
// epoch counter rather than per request.
type Fingerprints struct {
	mu    sync.Mutex
	epoch map[string]int
}

// NewFingerprints creates a Fingerprints catalog.
func NewFingerprints() *Fingerprints {
	return &Fingerprints{epoch: make(map[string]int)}
}

// Pick returns the profile currently assigned to the domain.
func (f *Fingerprints) Pick(dom string) domain.FingerprintProfile {
	f.mu.Lock()
	epoch := f.epoch[dom]
	f.mu.Unlock()

	h := fnv.New32a()
	h.Write([]byte(dom))
	idx := (int(h.Sum32()) + epoch) % len(profiles)
	if idx < 0 {
		idx += len(profiles)
	}
	return profiles[idx]
}

// Rotate advances the domain to its next profile, typically after a block.
func (f *Fingerprints) Rotate(dom string) {
	f.mu.Lock()
	f.epoch[dom]++
	f.mu.Unlock()
}
