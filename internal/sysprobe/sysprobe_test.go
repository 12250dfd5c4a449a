// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sysprobe

import (
	"os"
	"path/filepath"
	"testing"
)

func TestProbe(t *testing.T) {
	info := Probe("v1.2.3")
	if info.LemonadeVersion != "v1.2.3" {
		t.Fatal(info.LemonadeVersion)
	}
	if info.OS == "" || info.Arch == "" {
		t.Fatal(info)
	}
	if _, ok := info.SupportedRecipes["llamacpp"]; !ok {
		t.Fatal("llamacpp recipe missing from supported_recipes")
	}
	for _, b := range info.Backends {
		if b.Name == "llamacpp-cpu" && !b.Supported {
			t.Fatal("llamacpp-cpu must always be supported")
		}
	}
}

func TestLoadCachesAcrossVersions(t *testing.T) {
	dir := t.TempDir()
	first, err := Load(dir, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if first.LemonadeVersion != "v1" {
		t.Fatal(first)
	}
	second, err := Load(dir, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if second.LemonadeVersion != "v1" {
		t.Fatal(second)
	}

	third, err := Load(dir, "v2")
	if err != nil {
		t.Fatal(err)
	}
	if third.LemonadeVersion != "v2" {
		t.Fatal("cache must be invalidated when the version string changes")
	}
	if _, err := os.Stat(filepath.Join(dir, "system_info.json")); err != nil {
		t.Fatal(err)
	}
}
