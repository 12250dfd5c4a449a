// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package sysprobe discovers which recipes this host can run: CPU feature
// level, GPU vendor/presence, NPU presence, and the resulting list of
// inference engines each can host (spec §4.9).
//
// Detection is generalized from the teacher's GOOS/GOARCH release-asset
// branching and golang.org/x/sys/cpu feature checks (llm/llm.go's
// getLlama, llm/llamacppsrv.go), which pick a llama.cpp binary by CPU
// feature level; here the same checks decide which backends to report as
// supported instead of which zip to fetch.
package sysprobe

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"golang.org/x/sys/cpu"
)

// Backend is one inference engine this host can host, e.g. "llamacpp-vulkan".
type Backend struct {
	Name      string `json:"name"`
	Supported bool   `json:"supported"`
}

// Info is the full system probe result, cached at <cache>/system_info.json
// keyed by lemonade version (spec §4.9).
type Info struct {
	LemonadeVersion string `json:"lemonade_version"`

	OS   string `json:"os"`
	Arch string `json:"arch"`

	CPU struct {
		Name   string `json:"name"`
		AVX2   bool   `json:"avx2"`
		AVX512 bool   `json:"avx512"`
	} `json:"cpu"`

	GPU struct {
		Present bool   `json:"present"`
		Vendor  string `json:"vendor,omitempty"` // "amd", "nvidia", "apple"
	} `json:"gpu"`

	NPU struct {
		Present bool `json:"present"`
	} `json:"npu"`

	Backends []Backend `json:"backends"`

	// SupportedRecipes is derived from Backends: recipe -> list of backend
	// names that declare supported=true, per spec §4.9.
	SupportedRecipes map[string][]string `json:"supported_recipes"`
}

// recipeBackends maps each registry recipe to the backend names that can
// serve it, mirroring spec §3's DeviceType table.
var recipeBackends = map[string][]string{
	"llamacpp":   {"llamacpp-vulkan", "llamacpp-rocm", "metal", "llamacpp-cpu"},
	"oga-cpu":    {"oga"},
	"oga-npu":    {"oga"},
	"oga-hybrid": {"oga"},
	"oga-igpu":   {"oga"},
	"flm":        {"flm"},
	"whispercpp": {"llamacpp-cpu"},
	"sd-cpp":     {"llamacpp-vulkan", "llamacpp-rocm", "metal", "llamacpp-cpu"},
}

// Probe inspects the host once: CPU feature flags via golang.org/x/sys/cpu
// (teacher: llm/llm.go's cpu.X86.HasAVX512BF16/HasAVX2 checks, generalized
// from "which binary to fetch" to "which engines this host supports"), a
// best-effort GPU vendor sniff, and an NPU presence check. version is the
// running binary's version string (internal.Commit()); it is embedded in
// the result so a cache written by an older build is never trusted.
func Probe(version string) Info {
	var info Info
	info.LemonadeVersion = version
	info.OS = runtime.GOOS
	info.Arch = runtime.GOARCH

	if runtime.GOARCH == "amd64" {
		info.CPU.AVX2 = cpu.X86.HasAVX2
		info.CPU.AVX512 = cpu.X86.HasAVX512BF16 || cpu.X86.HasAVX512F
	}
	info.CPU.Name = cpuName()

	info.GPU.Present, info.GPU.Vendor = probeGPU()
	info.NPU.Present = probeNPU()

	info.Backends = []Backend{
		{Name: "llamacpp-vulkan", Supported: info.GPU.Present},
		{Name: "llamacpp-rocm", Supported: info.GPU.Present && info.GPU.Vendor == "amd"},
		{Name: "metal", Supported: runtime.GOOS == "darwin"},
		{Name: "llamacpp-cpu", Supported: true},
		{Name: "oga", Supported: info.NPU.Present || info.GPU.Present},
		{Name: "flm", Supported: info.NPU.Present && info.GPU.Vendor == "amd"},
	}

	supportedSet := map[string]bool{}
	for _, b := range info.Backends {
		if b.Supported {
			supportedSet[b.Name] = true
		}
	}
	info.SupportedRecipes = map[string][]string{}
	for recipe, backends := range recipeBackends {
		var ok []string
		for _, b := range backends {
			if supportedSet[b] {
				ok = append(ok, b)
			}
		}
		info.SupportedRecipes[recipe] = ok
	}
	return info
}

// cpuName returns a short descriptive string; GOARCH for anything other
// than amd64 since cpu.X86 is unpopulated there.
func cpuName() string {
	if runtime.GOARCH != "amd64" {
		return runtime.GOARCH
	}
	switch {
	case cpu.X86.HasAVX512BF16:
		return "x86_64 (AVX-512)"
	case cpu.X86.HasAVX2:
		return "x86_64 (AVX2)"
	default:
		return "x86_64"
	}
}

// probeGPU is a best-effort, platform-specific GPU presence/vendor sniff.
// It never fails the caller: an inconclusive probe just reports "no GPU".
func probeGPU() (present bool, vendor string) {
	switch runtime.GOOS {
	case "darwin":
		return true, "apple"
	case "linux":
		if _, err := os.Stat("/dev/kfd"); err == nil {
			return true, "amd"
		}
		if out, err := exec.Command("nvidia-smi", "-L").Output(); err == nil && len(out) > 0 {
			return true, "nvidia"
		}
		if entries, err := filepath.Glob("/sys/class/drm/card*/device/vendor"); err == nil && len(entries) > 0 {
			for _, e := range entries {
				b, err := os.ReadFile(e)
				if err != nil {
					continue
				}
				switch string(b[:len(b)-1]) { // trim trailing newline
				case "0x1002":
					return true, "amd"
				case "0x10de":
					return true, "nvidia"
				}
			}
		}
	case "windows":
		if out, err := exec.Command("nvidia-smi", "-L").Output(); err == nil && len(out) > 0 {
			return true, "nvidia"
		}
	}
	return false, ""
}

// probeNPU checks for an AMD Ryzen AI NPU device, the only NPU family this
// router targets (oga-npu/flm recipes).
func probeNPU() bool {
	switch runtime.GOOS {
	case "linux":
		_, err := os.Stat("/dev/accel/accel0")
		return err == nil
	case "windows":
		out, err := exec.Command("pnputil", "/enum-devices", "/class", "System").Output()
		return err == nil && containsFold(string(out), "ryzen ai")
	}
	return false
}

func containsFold(s, substr string) bool {
	return len(substr) == 0 || len(s) >= len(substr) && indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	ls, lsub := toLower(s), toLower(substr)
	for i := 0; i+len(lsub) <= len(ls); i++ {
		if ls[i:i+len(lsub)] == lsub {
			return i
		}
	}
	return -1
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

// Load reads the cached probe result from <cache>/system_info.json,
// re-probing (and overwriting the cache) when the file is absent or its
// embedded version string doesn't match version, mirroring the teacher's
// models.go read-or-write-default pattern (spec §4.9).
func Load(cacheDir, version string) (Info, error) {
	path := filepath.Join(cacheDir, "system_info.json")
	if b, err := os.ReadFile(path); err == nil {
		var info Info
		if json.Unmarshal(b, &info) == nil && info.LemonadeVersion == version {
			return info, nil
		}
	}
	info := Probe(version)
	if err := save(path, info); err != nil {
		return info, fmt.Errorf("failed to cache system info: %w", err)
	}
	return info, nil
}

func save(path string, info Info) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
