// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package backend

import (
	"testing"

	"github.com/lemonade-router/lemonade-server/internal/registry"
)

func TestFactory_oneAdapterPerRecipe(t *testing.T) {
	cases := []struct {
		recipe registry.Recipe
		want   any
	}{
		{registry.RecipeLlamaCpp, &llamaCppAdapter{}},
		{registry.RecipeOGACPU, &ogaAdapter{}},
		{registry.RecipeOGANPU, &ogaAdapter{}},
		{registry.RecipeOGAHybrid, &ogaAdapter{}},
		{registry.RecipeOGAiGPU, &ogaAdapter{}},
		{registry.RecipeFLM, &flmAdapter{}},
		{registry.RecipeWhisperCpp, &whisperCppAdapter{}},
		{registry.RecipeSDCpp, &sdCppAdapter{}},
	}
	for _, c := range cases {
		got := Factory(c.recipe)
		if got == nil {
			t.Errorf("Factory(%v) = nil", c.recipe)
			continue
		}
		switch c.want.(type) {
		case *llamaCppAdapter:
			if _, ok := got.(*llamaCppAdapter); !ok {
				t.Errorf("Factory(%v) = %T, want *llamaCppAdapter", c.recipe, got)
			}
		case *ogaAdapter:
			if _, ok := got.(*ogaAdapter); !ok {
				t.Errorf("Factory(%v) = %T, want *ogaAdapter", c.recipe, got)
			}
		case *flmAdapter:
			if _, ok := got.(*flmAdapter); !ok {
				t.Errorf("Factory(%v) = %T, want *flmAdapter", c.recipe, got)
			}
		case *whisperCppAdapter:
			if _, ok := got.(*whisperCppAdapter); !ok {
				t.Errorf("Factory(%v) = %T, want *whisperCppAdapter", c.recipe, got)
			}
		case *sdCppAdapter:
			if _, ok := got.(*sdCppAdapter); !ok {
				t.Errorf("Factory(%v) = %T, want *sdCppAdapter", c.recipe, got)
			}
		}
	}
}

func TestCheckpointPath_stripsRepoAndVariantColon(t *testing.T) {
	rec := &registry.Record{Checkpoint: "Qwen/Qwen3-0.6B-GGUF:Q4_K_M", Recipe: registry.RecipeLlamaCpp}
	got := checkpointPath("/cache", rec)
	want := "/cache/models/Qwen3-0.6B-GGUF-Q4_K_M.gguf"
	if got != want {
		t.Fatalf("checkpointPath() = %q, want %q", got, want)
	}
}

func TestCheckpointURL_splitsVariant(t *testing.T) {
	rec := &registry.Record{Checkpoint: "Qwen/Qwen3-0.6B-GGUF:Q4_K_M", Recipe: registry.RecipeLlamaCpp}
	got := checkpointURL(rec)
	want := "https://huggingface.co/Qwen/Qwen3-0.6B-GGUF/resolve/main/Q4_K_M.gguf"
	if got != want {
		t.Fatalf("checkpointURL() = %q, want %q", got, want)
	}
}

func TestCheckpointPath_directorySnapshotRecipesHaveNoExtension(t *testing.T) {
	rec := &registry.Record{Checkpoint: "amd/Llama-3.1-8B-Instruct-awq-g128-int4-asym-fp16-onnx-hybrid", Recipe: registry.RecipeOGAHybrid}
	got := checkpointPath("/cache", rec)
	want := "/cache/models/Llama-3.1-8B-Instruct-awq-g128-int4-asym-fp16-onnx-hybrid"
	if got != want {
		t.Fatalf("checkpointPath() = %q, want %q", got, want)
	}
}

func TestCheckpointPath_whispercppUsesBinExtension(t *testing.T) {
	rec := &registry.Record{Checkpoint: "ggerganov/whisper.cpp:base", Recipe: registry.RecipeWhisperCpp}
	got := checkpointPath("/cache", rec)
	want := "/cache/models/whisper.cpp-base.bin"
	if got != want {
		t.Fatalf("checkpointPath() = %q, want %q", got, want)
	}
}
