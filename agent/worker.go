package agent

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/etienneschalk/scientific-data-viewer-sub002/agent/engine"
)

// Operation names accepted over the bus. getInfo and createPlot share a
// worker script; the mode is selected by the first argument.
const (
	OpGetInfo            = "getInfo"
	OpCreatePlot         = "createPlot"
	OpTextRepresentation = "getTextRepresentation"
	OpHTMLRepresentation = "getHtmlRepresentation"
	OpDataSlice          = "getDataSlice"
	OpShowVersions       = "showVersions"
	OpCreateSampleData   = "createSampleData"
	OpCheckPackages      = "checkPackages"
)

var workerScripts = map[string]string{
	OpGetInfo:            "get_data_info.py",
	OpCreatePlot:         "get_data_info.py",
	OpTextRepresentation: "get_text_representation.py",
	OpHTMLRepresentation: "get_html_representation.py",
	OpDataSlice:          "get_data_slice.py",
	OpShowVersions:       "get_show_versions.py",
	OpCreateSampleData:   "create_sample_data.py",
	OpCheckPackages:      "check_package_availability.py",
}

// Worker describes how to invoke the Python worker scripts. Each
// invocation must print a single JSON document to stdout, fully flushed
// before exit.
type Worker struct {
	// Python is the interpreter used to run the scripts.
	Python string
	// ScriptsDir is the directory holding the worker scripts.
	ScriptsDir string
}

// Validate checks the worker configuration at session start.
func (w Worker) Validate() error {
	if w.Python == "" {
		return fmt.Errorf("no python interpreter configured")
	}
	info, err := os.Stat(w.ScriptsDir)
	if err != nil {
		return fmt.Errorf("scripts dir %q: %w", w.ScriptsDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("scripts dir %q is not a directory", w.ScriptsDir)
	}
	return nil
}

// Spec builds the process spec for a named operation. Unknown names are
// rejected here so a typo surfaces as an error instead of a hung worker.
func (w Worker) Spec(name string, args []string) (engine.Spec, error) {
	script, ok := workerScripts[name]
	if !ok {
		return engine.Spec{}, fmt.Errorf("no worker script for operation %q", name)
	}
	return engine.Spec{
		Command: w.Python,
		Args:    append([]string{filepath.Join(w.ScriptsDir, script)}, args...),
	}, nil
}
