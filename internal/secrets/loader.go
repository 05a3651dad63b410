// Package secrets resolves the environment map a worker is forked with when
// its configuration does not carry one inline.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/warden/internal/log"
)

//go:generate mockgen -destination=mocks/mock_loader.go -package=mocks github.com/mattjoyce/warden/internal/secrets Loader

// Loader resolves the environment map for a worker identity.
type Loader interface {
	LoadEnv(workerID, storage string) (map[string]string, error)
}

// FileLoader reads worker environments from <storage>/secrets/<workerID>.yaml,
// a flat string map. A missing file yields an empty environment.
type FileLoader struct{}

// LoadEnv implements Loader.
func (FileLoader) LoadEnv(workerID, storage string) (map[string]string, error) {
	path := filepath.Join(storage, "secrets", workerID+".yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.WithComponent("secrets").Debug("no secrets file for worker", "worker_id", workerID, "path", path)
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read secrets for %q: %w", workerID, err)
	}

	env := make(map[string]string)
	if err := yaml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse secrets for %q: %w", workerID, err)
	}
	return env, nil
}
