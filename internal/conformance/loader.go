package conformance

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadedTest represents a test with its source file path
type LoadedTest struct {
	File  string
	Suite TestSuite
	Test  TestCase
}

// LoadAllTests walks the given directory and loads every YAML suite's
// cases. The default directory is the package's testdata tree.
func LoadAllTests(dir string) ([]LoadedTest, error) {
	if dir == "" {
		dir = "testdata"
	}
	var loaded []LoadedTest

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || (filepath.Ext(path) != ".yaml" && filepath.Ext(path) != ".yml") {
			return nil
		}
		suite, err := loadSuite(path)
		if err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
		for _, tc := range suite.Tests {
			loaded = append(loaded, LoadedTest{File: path, Suite: *suite, Test: tc})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return loaded, nil
}

func loadSuite(path string) (*TestSuite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var suite TestSuite
	if err := yaml.Unmarshal(data, &suite); err != nil {
		return nil, err
	}
	if suite.Name == "" {
		return nil, fmt.Errorf("suite has no name")
	}
	return &suite, nil
}
