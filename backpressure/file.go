package backpressure

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a policy document from disk. Files ending in .json are
// decoded as JSON; everything else is treated as YAML. The decoded policy is
// validated before being returned.
func LoadFile(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	return parse(path, raw)
}

func parse(path string, raw []byte) (Policy, error) {
	var p Policy
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(raw, &p); err != nil {
			return Policy{}, fmt.Errorf("parse policy file %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(raw, &p); err != nil {
			return Policy{}, fmt.Errorf("parse policy file %s: %w", path, err)
		}
	}
	if errs := Validate(p); len(errs) > 0 {
		return Policy{}, fmt.Errorf("invalid policy in %s: %w", path, errs[0])
	}
	return p, nil
}
