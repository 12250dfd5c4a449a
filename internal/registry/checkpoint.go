// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package registry

import (
	"os"
	"path/filepath"
	"strings"
)

// fileExt is the on-disk file extension for a recipe's checkpoint, gated
// because not every recipe names a single packed file: llamacpp and
// sd-cpp load a packed GGUF, whispercpp loads a ggml/GGUF-derived blob
// named ".bin" by convention, and the oga-*/flm recipes point
// --model-dir at a directory snapshot of the HuggingFace repo, not a
// single file, so they carry no extension at all.
func fileExt(r Recipe) string {
	switch r {
	case RecipeLlamaCpp, RecipeSDCpp:
		return ".gguf"
	case RecipeWhisperCpp:
		return ".bin"
	default:
		return ""
	}
}

// CheckpointPath resolves rec's checkpoint reference ("org/repo:VARIANT")
// to the local path the download engine wrote (or, for directory-snapshot
// recipes, will write) it to under cacheDir.
func CheckpointPath(cacheDir string, rec *Record) string {
	name := rec.Checkpoint
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	name = strings.ReplaceAll(name, ":", "-") + fileExt(rec.Recipe)
	return filepath.Join(cacheDir, "models", name)
}

// CheckpointURL resolves a HuggingFace "org/repo:variant" checkpoint
// reference to a downloadable file URL, gated the same way as
// CheckpointPath.
func CheckpointURL(rec *Record) string {
	repo, variant, _ := strings.Cut(rec.Checkpoint, ":")
	file := variant
	if file == "" {
		file = "model"
	}
	return "https://huggingface.co/" + repo + "/resolve/main/" + file + fileExt(rec.Recipe)
}

// scanDownloaded stats every record's checkpoint path under cacheDir and
// sets Downloaded accordingly, the disk-presence detection spec §3 and
// §4.3 call for ("downloaded: derived (present on disk)"). Caller holds
// the registry's write lock.
func scanDownloaded(cacheDir string, records map[string]*Record) {
	for _, rec := range records {
		_, err := os.Stat(CheckpointPath(cacheDir, rec))
		rec.Downloaded = err == nil
	}
}
