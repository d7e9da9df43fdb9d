package utils

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"telegram-media-downloader/models"
)

// SourceConfig is one entry of the sources file.
type SourceConfig struct {
	SourceID string `yaml:"source_id"`
	Start    int64  `yaml:"start"`
	End      int64  `yaml:"end"`
	Filter   string `yaml:"filter"`
}

type sourcesFile struct {
	Sources []SourceConfig `yaml:"sources"`
}

func (s SourceConfig) TaskSpec() models.TaskSpec {
	return models.TaskSpec{
		SourceID: s.SourceID,
		Range:    models.UnitRange{Start: s.Start, End: s.End},
		Filter:   s.Filter,
	}
}

func LoadSources(path string) ([]SourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sources file: %w", err)
	}
	return ParseSources(data)
}

func ParseSources(data []byte) ([]SourceConfig, error) {
	var file sourcesFile
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse sources file: %w", err)
	}

	for i, src := range file.Sources {
		if src.SourceID == "" {
			return nil, fmt.Errorf("source %d: source_id is required", i)
		}
		if !src.TaskSpec().Range.Valid() {
			return nil, fmt.Errorf("source %s: %w [%d, %d]", src.SourceID, ErrInvalidRange, src.Start, src.End)
		}
	}
	return file.Sources, nil
}
