package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// knownSections are the top-level keys the schema owns. Anything else found
// in the document is preserved verbatim in Config.Extra.
var knownSections = map[string]bool{
	"auth":     true,
	"sync":     true,
	"logging":  true,
	"database": true,
	"web":      true,
}

// Load reads the YAML configuration at path. A missing file yields the
// defaults. Recognized sections are decoded into the typed structs on top of
// the defaults; unrecognized top-level keys are retained for Save.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := cfg.unmarshal(data); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) unmarshal(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}

	for key, val := range raw {
		if knownSections[key] {
			continue
		}

		if c.Extra == nil {
			c.Extra = map[string]any{}
		}

		c.Extra[key] = val
	}

	return nil
}

// Save writes the configuration back to path atomically (temp file in the
// same directory, fsync, rename). Extra keys re-join the document at the top
// level.
func Save(path string, cfg *Config) error {
	doc := map[string]any{}
	for key, val := range cfg.Extra {
		doc[key] = val
	}

	// Round-trip the typed sections through yaml to get plain maps.
	typed, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	var sections map[string]any
	if err := yaml.Unmarshal(typed, &sections); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	for key, val := range sections {
		doc[key] = val
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return writeFileAtomic(path, data, 0o600)
}

// writeFileAtomic writes data to path via a temp file and rename so readers
// never observe a partial document.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}

	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("setting config permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing config: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing config: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing config: %w", err)
	}

	success = true

	return nil
}
