package source

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"tillpoint/evictor/pkg/retention"
)

// Extensions lists the file types read as config documents.
var Extensions = []string{".json", ".yaml", ".yml"}

// LoadConfigFile reads and validates one config document. YAML documents
// use the same field names as the JSON form.
func LoadConfigFile(path string) (*retention.RetentionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfigFile(path, data)
}

// ParseConfigFile decodes data according to the extension of path.
func ParseConfigFile(path string, data []byte) (*retention.RetentionConfig, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return retention.ParseConfig(data)
	case ".yaml", ".yml":
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, retention.NewConfigError("", "malformed YAML config document", err)
		}
		js, err := json.Marshal(doc)
		if err != nil {
			return nil, retention.NewConfigError("", "config document is not representable as JSON", err)
		}
		return retention.ParseConfig(js)
	default:
		return nil, fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
}

func hasConfigExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}
