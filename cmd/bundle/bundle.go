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

// Package bundle provides the bundle command for sarcina.
package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"bennypowers.dev/sarcina/bundle"
	"bennypowers.dev/sarcina/fs"
	"bennypowers.dev/sarcina/winpe"
)

// Cmd is the bundle cobra command that resolves a binary's transitive DLL
// imports and copies each architecture-matching dependency next to it.
var Cmd = &cobra.Command{
	Use:   "bundle [-L search-path]... <exe-or-dll>",
	Short: "Copy a binary's DLL dependencies next to it",
	Long: `Bundle resolves the transitive DLL imports of a PE binary and copies every
dependency found on the search paths into the binary's directory.

Resolution is best-effort: a dependency that cannot be found, parsed, or
copied is reported and the run continues. Candidates whose architecture does
not match the root binary are skipped. The command fails only when the root
binary itself cannot be read.`,
	Example: `  # Bundle an executable from one DLL directory
  sarcina bundle -L /mingw64/bin app.exe

  # Search paths are tried in order; the first match wins
  sarcina bundle -L vendor/dlls -L /mingw64/bin app.exe

  # Search paths may be glob patterns
  sarcina bundle -L "deps/**/bin" app.exe

  # Install into a staging directory instead of the binary's own
  sarcina bundle -L /mingw64/bin --dest dist app.exe`,
	Args: cobra.ExactArgs(1),
	RunE: run,
}

func init() {
	Cmd.Flags().StringArrayP("search-path", "L", nil, "DLL search path or glob pattern (repeatable, order is priority)")
	Cmd.Flags().String("dest", "", "Install directory (default: the binary's directory)")
}

func run(cmd *cobra.Command, args []string) error {
	patterns, _ := cmd.Flags().GetStringArray("search-path")
	if len(patterns) == 0 {
		return fmt.Errorf("please indicate at least one DLL search path (-L)")
	}

	searchPaths, err := expandSearchPaths(patterns)
	if err != nil {
		return err
	}

	binaryPath := args[0]
	destDir, _ := cmd.Flags().GetString("dest")

	osfs := fs.NewOSFileSystem()
	reader := winpe.NewReader(osfs).WithDiagnostics(os.Stderr)
	bundler := bundle.New(osfs, reader).WithOutput(os.Stdout, os.Stderr)
	if destDir != "" {
		bundler = bundler.WithDestDir(destDir)
	}

	if _, err := bundler.Bundle(binaryPath, searchPaths); err != nil {
		return fmt.Errorf("failed to bundle: %w", err)
	}
	return nil
}

// expandSearchPaths turns -L values into an ordered directory list.
// Literal paths pass through as-is, even when they do not exist (the
// scanner skips unreadable directories); glob patterns expand in match
// order at their position in the list. Duplicates keep their first,
// highest-priority position.
func expandSearchPaths(patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	var paths []string

	add := func(p string) {
		if _, exists := seen[p]; !exists {
			seen[p] = struct{}{}
			paths = append(paths, p)
		}
	}

	for _, pattern := range patterns {
		if !strings.ContainsAny(pattern, "*?[{") {
			add(filepath.Clean(pattern))
			continue
		}
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid search path pattern %q: %w", pattern, err)
		}
		for _, match := range matches {
			add(filepath.Clean(match))
		}
	}

	return paths, nil
}
