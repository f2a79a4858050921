package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ayusman/signstream/internal/feature"
)

// ManifestFile is the name of the manifest inside a model directory.
const ManifestFile = "model.json"

// ErrModelNotFound is returned when the model directory has no manifest.
var ErrModelNotFound = errors.New("model not found")

// Manifest describes a packaged sequence classifier.
type Manifest struct {
	Name           string   `json:"name"`
	Version        string   `json:"version"`
	Description    string   `json:"description"`
	Executable     string   `json:"executable"`
	Args           []string `json:"args,omitempty"`
	Vocabulary     string   `json:"vocabulary"`
	Scaler         string   `json:"scaler,omitempty"`
	SequenceLength int      `json:"sequence_length"`
	Features       int      `json:"features"`
}

// Bundle is a loaded model directory: manifest plus the resolved vocabulary,
// scaler and executable path.
type Bundle struct {
	Manifest   Manifest
	Dir        string
	Executable string
	Vocabulary Vocabulary
	Scaler     *Scaler
}

// LoadBundle reads dir/model.json and the files it references. Relative
// paths are resolved against dir.
func LoadBundle(dir string) (*Bundle, error) {
	manifestPath := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(manifestPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, manifestPath)
	}
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", manifestPath, err)
	}
	if m.Executable == "" {
		return nil, fmt.Errorf("%s: executable is required", manifestPath)
	}
	if m.Vocabulary == "" {
		return nil, fmt.Errorf("%s: vocabulary is required", manifestPath)
	}
	if m.Features != 0 && m.Features != feature.Width {
		return nil, fmt.Errorf("%s: model expects %d features per frame, pipeline produces %d", manifestPath, m.Features, feature.Width)
	}

	b := &Bundle{
		Manifest:   m,
		Dir:        dir,
		Executable: resolve(dir, m.Executable),
	}

	b.Vocabulary, err = LoadVocabulary(resolve(dir, m.Vocabulary))
	if err != nil {
		return nil, err
	}

	if m.Scaler != "" {
		b.Scaler, err = LoadScaler(resolve(dir, m.Scaler))
		if err != nil {
			return nil, err
		}
	}

	return b, nil
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
