package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/clustertest/internal/harness"
)

// LoadMode controls how errors are handled during scenario loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadedScenario is a parsed scenario and the file it came from.
type LoadedScenario struct {
	Path     string
	Scenario *harness.Scenario
}

// LoadError represents an error that occurred during scenario loading.
type LoadError struct {
	Code    string
	Message string
	Path    string // File the error belongs to, if any
}

func (e *LoadError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadScenarios parses every scenario under the given paths. A path may be a
// single file, which is loaded regardless of filter, or a directory searched
// recursively for .yaml and .yml files whose base name matches filter.
//
// If mode is LoadModeFailFast, returns on first error.
// If mode is LoadModeCollectAll, every file is parsed and all errors are
// returned alongside the scenarios that loaded.
func LoadScenarios(paths []string, filter string, mode LoadMode) ([]LoadedScenario, []error) {
	if filter != "" {
		if _, err := filepath.Match(filter, ""); err != nil {
			return nil, []error{&LoadError{Code: ErrCodeBadFilter, Message: fmt.Sprintf("invalid filter pattern %q: %v", filter, err)}}
		}
	}

	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("path not found: %s", p)}}
		}
		if err != nil {
			return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing %s: %v", p, err)}}
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		found, err := FindScenarioFiles(p, filter)
		if err != nil {
			return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning %s: %v", p, err)}}
		}
		files = append(files, found...)
	}
	if len(files) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no scenario files found in %s", strings.Join(paths, ", "))}}
	}

	var (
		loaded []LoadedScenario
		errs   []error
		byName = make(map[string]string)
	)
	for _, f := range files {
		s, err := harness.LoadScenario(f)
		var loadErr *LoadError
		switch {
		case err != nil:
			loadErr = convertScenarioError(f, err)
		case byName[s.Name] != "":
			loadErr = &LoadError{
				Code:    ErrCodeDuplicateName,
				Message: fmt.Sprintf("scenario name %q is also used by %s", s.Name, byName[s.Name]),
				Path:    f,
			}
		}
		if loadErr != nil {
			errs = append(errs, loadErr)
			if mode == LoadModeFailFast {
				return loaded, errs
			}
			continue
		}
		byName[s.Name] = f
		loaded = append(loaded, LoadedScenario{Path: f, Scenario: s})
	}
	return loaded, errs
}

// FindScenarioFiles walks dir and returns the YAML files whose base name,
// without extension, matches filter. An empty filter matches everything.
// Files are returned in lexical order.
func FindScenarioFiles(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(d.Name(), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}

		files = append(files, path)
		return nil
	})
	return files, err
}

// convertScenarioError classifies a scenario load failure.
func convertScenarioError(path string, err error) *LoadError {
	code := ErrCodeGeneric
	var te *harness.TopologyError
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		code = ErrCodeNotFound
	case errors.Is(err, harness.ErrMalformed):
		code = ErrCodeMalformed
	case errors.As(err, &te):
		code = ErrCodeTopology
	case errors.Is(err, harness.ErrInvalid):
		code = ErrCodeInvalidScenario
	}

	// LoadScenario prefixes the path; LoadError carries it separately.
	msg := strings.TrimPrefix(err.Error(), path+": ")
	return &LoadError{Code: code, Message: msg, Path: path}
}
