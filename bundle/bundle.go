/*
Copyright © 2026 Benny Powers <web@bennypowers.com>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

// Package bundle resolves the transitive DLL import closure of a binary
// and copies each resolved dependency next to it.
package bundle

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"bennypowers.dev/sarcina/fs"
	"bennypowers.dev/sarcina/winpe"
)

// ImportReader parses one binary and reports its architecture and the
// modules it imports. *winpe.Reader is the production implementation.
type ImportReader interface {
	ReadImports(path string) (*winpe.Info, error)
}

// Installed records one dependency copied into the bundle.
type Installed struct {
	Source string
	Dest   string
}

// Report collects the non-fatal outcomes of one bundling run. Bundling is
// best-effort: an incomplete bundle beats an aborted run, so everything
// short of an unreadable root binary lands here instead of failing.
type Report struct {
	// Installed lists the dependencies successfully copied.
	Installed []Installed
	// Skipped lists name-matching candidates rejected because their
	// architecture did not match the root binary (or they could not be
	// parsed at all).
	Skipped []string
	// Missing lists canonical import names not found on any search path.
	Missing []string
	// Errors collects copy failures and unreadable installed dependencies.
	Errors []error
}

// Bundler resolves import closures over a FileSystem.
type Bundler struct {
	fs      fs.FileSystem
	reader  ImportReader
	out     io.Writer
	errOut  io.Writer
	destDir string
}

// New creates a Bundler that writes install lines to stdout and
// diagnostics to stderr.
func New(fsys fs.FileSystem, reader ImportReader) *Bundler {
	return &Bundler{fs: fsys, reader: reader, out: os.Stdout, errOut: os.Stderr}
}

// WithOutput returns a Bundler that writes install lines to out and
// diagnostics to errOut.
func (b *Bundler) WithOutput(out, errOut io.Writer) *Bundler {
	return &Bundler{fs: b.fs, reader: b.reader, out: out, errOut: errOut, destDir: b.destDir}
}

// WithDestDir returns a Bundler that installs into dir instead of the
// root binary's own directory.
func (b *Bundler) WithDestDir(dir string) *Bundler {
	return &Bundler{fs: b.fs, reader: b.reader, out: b.out, errOut: b.errOut, destDir: dir}
}

// Bundle resolves the transitive import closure of the binary at rootPath
// and installs every architecture-matching dependency found on
// searchPaths. The search is breadth-first over a graph discovered
// incrementally: a dependency's own imports are only known once it has
// been located and parsed. Import names are deduplicated by their
// lower-cased form, so each distinct module is searched at most once and
// cyclic dependency graphs terminate.
//
// Only a failure to read the root binary is fatal; a missing dependency,
// a copy failure, or an installed dependency whose own imports cannot be
// read are all recorded on the Report and the run continues. Success
// means the closure was exhausted, not that every dependency was found.
func (b *Bundler) Bundle(rootPath string, searchPaths []string) (*Report, error) {
	root, err := b.reader.ReadImports(rootPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rootPath, err)
	}

	destDir := b.destDir
	if destDir == "" {
		destDir = filepath.Dir(rootPath)
	}

	report := &Report{}
	processed := make(map[string]struct{})
	pending := append([]string(nil), root.Imports...)

	for len(pending) > 0 {
		name := strings.ToLower(pending[0])
		pending = pending[1:]

		if _, done := processed[name]; done {
			continue
		}
		processed[name] = struct{}{}

		source := b.Scan(name, root.Arch, searchPaths, report)
		if source == "" {
			report.Missing = append(report.Missing, name)
			continue
		}

		if err := b.Install(source, destDir); err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("copying %s: %w", source, err))
		} else {
			report.Installed = append(report.Installed, Installed{
				Source: source,
				Dest:   filepath.Join(destDir, filepath.Base(source)),
			})
		}

		// The dependency's own imports are explored even when its copy
		// failed. Duplicates are fine: the processed check happens on
		// dequeue.
		dep, err := b.reader.ReadImports(source)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("reading %s: %w", source, err))
			continue
		}
		pending = append(pending, dep.Imports...)
	}

	return report, nil
}

// Scan searches the given directories, in order, for a file whose name
// equals name case-insensitively and whose architecture equals arch. The
// first match wins: no further entries or directories are examined. A
// name-matching candidate of the wrong architecture (or one that cannot
// be parsed) is reported as skipped and the scan keeps going, across both
// the directory and the remaining search paths. An unreadable search path
// is silently skipped.
//
// Within one directory, ties between equally valid candidates resolve in
// directory enumeration order (lexicographic under os.ReadDir, otherwise
// filesystem-defined). Returns "" when nothing matches; absence is not an
// error.
func (b *Bundler) Scan(name string, arch winpe.Arch, searchPaths []string, report *Report) string {
	for _, dir := range searchPaths {
		entries, err := b.fs.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.EqualFold(entry.Name(), name) {
				continue
			}
			candidate := filepath.Join(dir, entry.Name())
			info, err := b.reader.ReadImports(candidate)
			if err != nil || info.Arch != arch {
				fmt.Fprintf(b.errOut, "Skipped: %s\n", candidate)
				report.Skipped = append(report.Skipped, candidate)
				continue
			}
			return candidate
		}
	}
	return ""
}

// Install copies sourcePath into destDir under its own filename, logging
// the copy before attempting it. An existing destination is overwritten
// unconditionally.
func (b *Bundler) Install(sourcePath, destDir string) error {
	dest := filepath.Join(destDir, filepath.Base(sourcePath))
	fmt.Fprintf(b.out, "%s -> %s\n", sourcePath, dest)
	return b.fs.CopyFile(sourcePath, dest)
}
