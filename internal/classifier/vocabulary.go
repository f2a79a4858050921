package classifier

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Vocabulary maps class indices to sign labels.
type Vocabulary []string

// Lookup returns the label of class i.
func (v Vocabulary) Lookup(i int) (string, bool) {
	if i < 0 || i >= len(v) {
		return "", false
	}
	return v[i], true
}

// UnmarshalJSON accepts either a JSON array of labels or an object keyed by
// class index ({"0": "HOLA", "1": "GRACIAS"}). Object keys must cover 0..n-1.
func (v *Vocabulary) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*v = list
		return nil
	}

	var byIndex map[string]string
	if err := json.Unmarshal(data, &byIndex); err != nil {
		return fmt.Errorf("vocabulary must be an array or an index map: %w", err)
	}

	out := make(Vocabulary, len(byIndex))
	for k, label := range byIndex {
		i, err := strconv.Atoi(k)
		if err != nil {
			return fmt.Errorf("vocabulary key %q is not an index", k)
		}
		if i < 0 || i >= len(out) {
			return fmt.Errorf("vocabulary index %d out of range 0..%d", i, len(out)-1)
		}
		out[i] = label
	}
	for i, label := range out {
		if label == "" {
			return fmt.Errorf("vocabulary index %d missing", i)
		}
	}
	*v = out
	return nil
}

// LoadVocabulary reads a vocabulary file.
func LoadVocabulary(path string) (Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v Vocabulary
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(v) == 0 {
		return nil, fmt.Errorf("%s: empty vocabulary", path)
	}
	return v, nil
}
