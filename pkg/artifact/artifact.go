// Package artifact stores trained models as files.
//
// An artifact of version N is written at `<dir>/<prefix>N.json`.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opst/houseprice/pkg/model"
)

var (
	// ErrModelNotFound is returned when the artifact of the version does not exist.
	ErrModelNotFound = errors.New("model artifact not found")

	// ErrArtifactExists is returned when the artifact of the version already exists
	// and overwriting is not allowed.
	ErrArtifactExists = errors.New("model artifact already exists")
)

type Store struct {
	Dir    string
	Prefix string
}

// Path of the artifact of the version.
func (s Store) Path(version int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s%d.json", s.Prefix, version))
}

// Save the artifact as its version.
//
// # Args
//
// - a: artifact to be saved. a.Version decides the file.
//
// - overwrite: if false and the version exists, it fails with ErrArtifactExists.
//
// # Returns
//
// - string: path of the written artifact.
//
// - error
func (s Store) Save(a *model.Artifact, overwrite bool) (string, error) {
	if a.Version < 1 {
		return "", fmt.Errorf("model version should be positive: %d", a.Version)
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", err
	}

	path := s.Path(a.Version)
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("%w: %s", ErrArtifactExists, path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
	}

	// write into a temporary file and rename it, so readers never see half written artifacts.
	tmp, err := os.CreateTemp(s.Dir, ".artifact-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(a); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if !overwrite {
		// link fails when someone else has created the version in the meantime.
		if err := os.Link(tmp.Name(), path); err != nil {
			if errors.Is(err, fs.ErrExist) {
				return "", fmt.Errorf("%w: %s", ErrArtifactExists, path)
			}
			return "", err
		}
		return path, nil
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}

// Load the artifact of the version.
//
// # Returns
//
// - *model.Artifact
//
// - error: ErrModelNotFound if the version does not exist.
func (s Store) Load(version int) (*model.Artifact, error) {
	path := s.Path(version)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: version %d (%s)", ErrModelNotFound, version, path)
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	a := new(model.Artifact)
	if err := json.NewDecoder(f).Decode(a); err != nil {
		return nil, fmt.Errorf("broken artifact %s: %w", path, err)
	}
	if a.Encoder == nil || a.Regressor == nil {
		return nil, fmt.Errorf("broken artifact %s: no model in it", path)
	}
	if len(a.Encoder.Features) != len(a.Regressor.Coefficients) {
		return nil, fmt.Errorf(
			"broken artifact %s: %d features but %d coefficients",
			path, len(a.Encoder.Features), len(a.Regressor.Coefficients),
		)
	}
	return a, nil
}
