package plugins

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// checksumFilename is the integrity lockfile written next to plugin sources.
const checksumFilename = ".checksums"

// ChecksumManifest records BLAKE3 hashes of plugin source files.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// ComputeHash computes the BLAKE3 hash of a file.
func ComputeHash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// GenerateChecksums hashes every plugin source in dir and writes the
// lockfile. Returns the files that were recorded.
func GenerateChecksums(dir string) ([]string, error) {
	sources, err := listSources(dir)
	if err != nil {
		return nil, err
	}

	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(sources)),
	}
	for _, name := range sources {
		hash, err := ComputeHash(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", name, err)
		}
		manifest.Hashes[name] = hash
	}

	data, err := yaml.Marshal(&manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal checksums: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, checksumFilename), data, 0o644); err != nil {
		return nil, fmt.Errorf("write checksums: %w", err)
	}
	return sources, nil
}

// VerifyChecksums verifies every plugin source in dir against the lockfile.
// A missing lockfile skips verification; a source without an entry, or with a
// mismatched hash, fails.
func VerifyChecksums(dir string) error {
	manifest, err := loadChecksums(dir)
	if err != nil {
		return err
	}
	if manifest == nil {
		return nil
	}

	sources, err := listSources(dir)
	if err != nil {
		return err
	}

	for _, name := range sources {
		expected, ok := manifest.Hashes[name]
		if !ok {
			return fmt.Errorf("plugin %s has no hash in %s\n"+
				"Run: warden plugin lock --storage <dir>", name, checksumFilename)
		}
		actual, err := ComputeHash(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("hash %s: %w", name, err)
		}
		if actual != expected {
			return fmt.Errorf("hash mismatch for %s: expected %s, got %s\n"+
				"This indicates tampering or unauthorized modification.\n"+
				"If you edited this file intentionally, run: warden plugin lock", name, expected, actual)
		}
	}

	return nil
}

// loadChecksums reads the lockfile, returning nil when it does not exist.
func loadChecksums(dir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, checksumFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse checksums: %w", err)
	}
	if manifest.Hashes == nil {
		manifest.Hashes = make(map[string]string)
	}
	return &manifest, nil
}

// listSources returns plugin source filenames in dir, sorted.
func listSources(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), moduleExt) {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}
