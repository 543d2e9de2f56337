package conformance

import (
	"os"
	"testing"
)

func writeFile(path, body string) error {
	return os.WriteFile(path, []byte(body), 0o644)
}

func TestConformanceSuites(t *testing.T) {
	loaded, err := LoadAllTests("testdata")
	if err != nil {
		t.Fatalf("loading suites: %v", err)
	}
	if len(loaded) == 0 {
		t.Fatal("no conformance cases found under testdata")
	}

	r := NewRunner()
	r.ShortMode = testing.Short()

	for _, lt := range loaded {
		lt := lt
		t.Run(lt.Suite.Name+"/"+lt.Test.Name, func(t *testing.T) {
			res := r.Run(lt)
			if res.Skipped {
				t.Skipf("skipped: %s", res.SkipReason)
			}
			if res.Error != nil {
				t.Fatalf("%s (%s): %v", lt.Test.Name, lt.File, res.Error)
			}
			if !res.Passed {
				t.Fatalf("%s did not pass", lt.Test.Name)
			}
		})
	}
}

func TestLoaderRejectsUnnamedSuite(t *testing.T) {
	dir := t.TempDir()
	if err := writeFile(dir+"/bad.yaml", "tests: []\n"); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadAllTests(dir); err == nil {
		t.Fatal("expected an error for a suite without a name")
	}
}
