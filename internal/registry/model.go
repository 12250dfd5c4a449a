// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package registry is the merged built-in + user model catalog (spec §4.3).
package registry

import (
	"fmt"
	"strings"
)

// Recipe is a backend kind + hardware target combo. See spec §3.
type Recipe string

const (
	RecipeLlamaCpp   Recipe = "llamacpp"
	RecipeOGACPU     Recipe = "oga-cpu"
	RecipeOGANPU     Recipe = "oga-npu"
	RecipeOGAHybrid  Recipe = "oga-hybrid"
	RecipeOGAiGPU    Recipe = "oga-igpu"
	RecipeFLM        Recipe = "flm"
	RecipeWhisperCpp Recipe = "whispercpp"
	RecipeSDCpp      Recipe = "sd-cpp"
)

// Label is a model capability tag. See spec §3.
type Label string

const (
	LabelReasoning   Label = "reasoning"
	LabelVision      Label = "vision"
	LabelEmbeddings  Label = "embeddings"
	LabelReranking   Label = "reranking"
	LabelAudio       Label = "audio"
	LabelToolCalling Label = "tool-calling"
	LabelCustom      Label = "custom"
	LabelHot         Label = "hot"
	LabelCoding      Label = "coding"
)

// ModelType is derived from a record's labels. See spec §3.
type ModelType string

const (
	TypeLLM        ModelType = "LLM"
	TypeEmbedding  ModelType = "EMBEDDING"
	TypeReranking  ModelType = "RERANKING"
	TypeAudio      ModelType = "AUDIO"
	TypeImage      ModelType = "IMAGE"
)

// AllModelTypes enumerates every ModelType, in the fixed order the LRU
// table and /system-stats iterate them.
var AllModelTypes = []ModelType{TypeLLM, TypeEmbedding, TypeReranking, TypeAudio, TypeImage}

// DeviceType is a bitmask over CPU/GPU/NPU, derived from a record's recipe.
type DeviceType uint8

const (
	DeviceCPU DeviceType = 1 << iota
	DeviceGPU
	DeviceNPU
)

func (d DeviceType) String() string {
	var parts []string
	if d&DeviceCPU != 0 {
		parts = append(parts, "CPU")
	}
	if d&DeviceGPU != 0 {
		parts = append(parts, "GPU")
	}
	if d&DeviceNPU != 0 {
		parts = append(parts, "NPU")
	}
	return strings.Join(parts, "|")
}

// deviceByRecipe is the fixed recipe -> device-mask table from spec §3.
var deviceByRecipe = map[Recipe]DeviceType{
	RecipeLlamaCpp:   DeviceGPU,
	RecipeOGACPU:     DeviceCPU,
	RecipeOGANPU:     DeviceNPU,
	RecipeOGAHybrid:  DeviceGPU | DeviceNPU,
	RecipeOGAiGPU:    DeviceGPU,
	RecipeFLM:        DeviceNPU,
	RecipeWhisperCpp: DeviceCPU,
	RecipeSDCpp:      DeviceGPU,
}

// Device returns the device mask for r, or 0 if r is unknown.
func (r Recipe) Device() DeviceType {
	return deviceByRecipe[r]
}

// ImageDefaults holds the default generation parameters for an IMAGE model.
type ImageDefaults struct {
	Steps    int     `json:"steps,omitempty" yaml:"steps,omitempty"`
	CFGScale float64 `json:"cfg_scale,omitempty" yaml:"cfg_scale,omitempty"`
	Width    int     `json:"w,omitempty" yaml:"w,omitempty"`
	Height   int     `json:"h,omitempty" yaml:"h,omitempty"`
}

// Record is one entry of the model registry. See spec §3.
type Record struct {
	ID               string         `json:"id" yaml:"id"`
	Checkpoint       string         `json:"checkpoint" yaml:"checkpoint"`
	Recipe           Recipe         `json:"recipe" yaml:"recipe"`
	Labels           []Label        `json:"labels" yaml:"labels"`
	MMProj           string         `json:"mmproj,omitempty" yaml:"mmproj,omitempty"`
	Suggested        bool           `json:"suggested,omitempty" yaml:"suggested,omitempty"`
	SizeGB           float64        `json:"size_gb,omitempty" yaml:"size_gb,omitempty"`
	MaxPromptLength  int            `json:"max_prompt_length,omitempty" yaml:"max_prompt_length,omitempty"`
	ImageDefaults    *ImageDefaults `json:"image_defaults,omitempty" yaml:"image_defaults,omitempty"`

	// Downloaded is derived from disk presence (the on-disk model cache is
	// the source of truth, spec §6). It is written to user_models.json with
	// the rest of a user record, but recomputed by scanDownloaded on load.
	Downloaded bool `json:"downloaded" yaml:"-"`
}

// HasLabel reports whether r carries label l.
func (r *Record) HasLabel(l Label) bool {
	for _, x := range r.Labels {
		if x == l {
			return true
		}
	}
	return false
}

// Type derives the ModelType from r's labels, per spec §3: a record's
// primary capability determines which LRU table it lives in. Audio and
// image models are identified directly; everything else defaults to LLM
// unless tagged embeddings/reranking.
func (r *Record) Type() ModelType {
	switch {
	case r.HasLabel(LabelAudio):
		return TypeAudio
	case r.Recipe == RecipeSDCpp:
		return TypeImage
	case r.HasLabel(LabelReranking):
		return TypeReranking
	case r.HasLabel(LabelEmbeddings):
		return TypeEmbedding
	default:
		return TypeLLM
	}
}

// Device derives the DeviceType from r's recipe.
func (r *Record) Device() DeviceType {
	return r.Recipe.Device()
}

// IsUser reports whether id carries the "user." prefix reserved for
// user-defined registry entries (spec §3/§4.3).
func IsUser(id string) bool {
	return strings.HasPrefix(id, "user.")
}

// Validate checks the invariants from spec §3: checkpoint and recipe are
// non-empty, and GGUF checkpoints must carry a ":VARIANT" suffix.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("model id must not be empty")
	}
	if r.Checkpoint == "" {
		return fmt.Errorf("model %q: checkpoint must not be empty", r.ID)
	}
	if r.Recipe == "" {
		return fmt.Errorf("model %q: recipe must not be empty", r.ID)
	}
	if r.Recipe == RecipeLlamaCpp && !strings.Contains(r.Checkpoint, ":") {
		return fmt.Errorf("model %q: gguf checkpoint %q must carry a :VARIANT suffix", r.ID, r.Checkpoint)
	}
	return nil
}
