package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gopkg.in/yaml.v3"
)

// Read reads a config from the given file.
func Read(filePath string) (*Config, error) {
	//nolint:gosec
	file, err := os.Open(filepath.Clean(filePath))
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(file.Close)
	return FromReader(file, filePath)
}

// FromReader reads a config from the given reader. originalPath is only used for error messages
// and for resolving a relative sequence_dir.
func FromReader(r io.Reader, originalPath string) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	raw, err := decodeSettings(data)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot parse config %q", originalPath)
	}

	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, errors.Wrapf(err, "cannot decode config %q", originalPath)
	}
	cfg.ConfigFilePath = originalPath
	if cfg.SequenceDir != "" && originalPath != "" && !filepath.IsAbs(cfg.SequenceDir) {
		if _, err := os.Stat(cfg.SequenceDir); err != nil {
			cfg.SequenceDir = filepath.Join(filepath.Dir(originalPath), cfg.SequenceDir)
		}
	}
	if err := cfg.Validate(originalPath); err != nil {
		return nil, err
	}
	return cfg, nil
}

var (
	yamlDirective = []byte("%YAML")
	opencvTag     = []byte("!!opencv-matrix")
)

// decodeSettings parses a YAML document, tolerating the "%YAML:1.0" header and matrix tags that
// OpenCV writes but YAML 1.2 parsers reject.
func decodeSettings(data []byte) (map[string]interface{}, error) {
	data = stripYAMLDirective(data)
	data = bytes.ReplaceAll(data, opencvTag, nil)

	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// stripYAMLDirective blanks a "%YAML" line found before the first document content. Blank and
// comment lines ahead of it are kept so parse errors still report the right line.
func stripYAMLDirective(data []byte) []byte {
	lines := bytes.SplitAfter(data, []byte("\n"))
	for i, line := range lines {
		trimmed := bytes.TrimSpace(line)
		switch {
		case len(trimmed) == 0 || trimmed[0] == '#':
			continue
		case bytes.HasPrefix(trimmed, yamlDirective):
			lines[i] = []byte("\n")
			return bytes.Join(lines, nil)
		default:
			return data
		}
	}
	return data
}
