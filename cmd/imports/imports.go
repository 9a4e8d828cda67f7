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

// Package imports provides the imports command for sarcina.
package imports

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bennypowers.dev/sarcina/fs"
	"bennypowers.dev/sarcina/winpe"
)

// Cmd is the imports command: it parses a single binary and reports its
// architecture and full import table (ordinary and delay-load, in on-disk
// order) without resolving or copying anything.
var Cmd = &cobra.Command{
	Use:   "imports <exe-or-dll>",
	Short: "Print a binary's architecture and import table",
	Long: `Imports parses one PE binary and prints its target architecture and the
modules it imports, ordinary imports first and delay-load imports after, in
the order the import tables list them.`,
	Args: cobra.ExactArgs(1),
	RunE: run,
}

func init() {
	Cmd.Flags().StringP("format", "f", "text", "Output format (text, json)")
}

type report struct {
	File         string   `json:"file"`
	Architecture string   `json:"architecture"`
	Imports      []string `json:"imports"`
}

func run(cmd *cobra.Command, args []string) error {
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return fmt.Errorf("error reading format flag: %w", err)
	}

	osfs := fs.NewOSFileSystem()
	reader := winpe.NewReader(osfs).WithDiagnostics(os.Stderr)

	info, err := reader.ReadImports(args[0])
	if err != nil {
		return fmt.Errorf("failed to read imports: %w", err)
	}

	var out string
	switch format {
	case "json":
		encoded, err := json.MarshalIndent(report{
			File:         args[0],
			Architecture: info.Arch.String(),
			Imports:      info.Imports,
		}, "", "  ")
		if err != nil {
			return fmt.Errorf("error marshaling imports: %w", err)
		}
		out = string(encoded)
	case "text":
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s: %s\n", args[0], info.Arch)
		for _, name := range info.Imports {
			fmt.Fprintf(&sb, "  %s\n", name)
		}
		out = strings.TrimSuffix(sb.String(), "\n")
	default:
		return fmt.Errorf("invalid format %q: must be one of text, json", format)
	}

	if outputPath := viper.GetString("output"); outputPath != "" {
		return osfs.WriteFile(outputPath, []byte(out+"\n"), 0644)
	}
	fmt.Println(out)
	return nil
}
