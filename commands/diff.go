package commands

import (
	"context"
	"fmt"

	"pakpatch/manifest"

	"github.com/pmezard/go-difflib/difflib"
)

// DiffManifests returns a unified diff of two manifest files in their canonical serialized form.
func DiffManifests(oldPath string, newPath string) (string, error) {
	oldEntries, oldProps, err := manifest.ParseFile(oldPath)
	if err != nil {
		return "", err
	}
	newEntries, newProps, err := manifest.ParseFile(newPath)
	if err != nil {
		return "", err
	}

	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(manifest.Serialize(oldEntries, oldProps))),
		B:        difflib.SplitLines(string(manifest.Serialize(newEntries, newProps))),
		FromFile: oldPath,
		ToFile:   newPath,
		Context:  1,
	})
}

func RunDiff(ctx context.Context, oldPath string, newPath string) {
	diff, err := DiffManifests(oldPath, newPath)
	if err != nil {
		log.Fatalf("Failed to diff manifests: %v", err)
	}
	if diff == "" {
		log.Info("Manifests are identical")
		return
	}
	fmt.Print(diff)
}
