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
package main

import (
	"bytes"
	"debug/pe"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"bennypowers.dev/sarcina/testutil"
)

func TestMain(m *testing.M) {
	// Build the binary before running tests
	wd := mustGetwd()
	cmd := exec.Command("go", "build", "-o", "sarcina_test", ".")
	cmd.Dir = wd
	if out, err := cmd.CombinedOutput(); err != nil {
		panic("failed to build test binary: " + err.Error() + "\n" + string(out))
	}
	code := m.Run()
	_ = os.Remove(filepath.Join(wd, "sarcina_test"))
	os.Exit(code)
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		panic(err)
	}
	return wd
}

func runCLI(t *testing.T, args ...string) (stdout, stderr string, exitCode int) {
	t.Helper()
	binary := filepath.Join(mustGetwd(), "sarcina_test")
	cmd := exec.Command(binary, args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	stdout = stdoutBuf.String()
	stderr = stderrBuf.String()

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			t.Fatalf("Failed to run CLI: %v", err)
		}
	}

	return stdout, stderr, exitCode
}

func writePE(t *testing.T, path string, img testutil.Image) {
	t.Helper()
	if err := os.WriteFile(path, img.Bytes(), 0755); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestNoArgsPrintsUsage(t *testing.T) {
	stdout, _, code := runCLI(t)
	if code != 0 {
		t.Fatalf("Expected exit code 0, got %d", code)
	}
	if !strings.Contains(stdout, "Usage:") || !strings.Contains(stdout, "bundle") {
		t.Errorf("Expected usage text, got %q", stdout)
	}
}

func TestBundleRequiresBinaryArgument(t *testing.T) {
	_, stderr, code := runCLI(t, "bundle", "-L", "somewhere")
	if code != 1 {
		t.Fatalf("Expected exit code 1, got %d", code)
	}
	if stderr == "" {
		t.Error("Expected an error on stderr")
	}
}

func TestBundleRequiresSearchPath(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "app.exe")
	writePE(t, root, testutil.Image{Machine: pe.IMAGE_FILE_MACHINE_AMD64})

	_, stderr, code := runCLI(t, "bundle", root)
	if code != 1 {
		t.Fatalf("Expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr, "search path") {
		t.Errorf("Expected search path error, got %q", stderr)
	}
}

func TestBundleUnknownFlag(t *testing.T) {
	_, stderr, code := runCLI(t, "bundle", "--bogus", "app.exe")
	if code == 0 {
		t.Fatal("Expected non-zero exit code")
	}
	if !strings.Contains(stderr, "unknown flag") {
		t.Errorf("Expected unknown flag error, got %q", stderr)
	}
}

func TestBundleUnreadableRootBinary(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "app.exe")
	if err := os.WriteFile(root, []byte("not a PE image at all, just some text padding"), 0755); err != nil {
		t.Fatal(err)
	}

	_, stderr, code := runCLI(t, "bundle", "-L", tmp, root)
	if code != 1 {
		t.Fatalf("Expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr, "failed to bundle") {
		t.Errorf("Expected bundle failure on stderr, got %q", stderr)
	}
}

func TestBundleEndToEnd(t *testing.T) {
	tmp := t.TempDir()
	binDir := filepath.Join(tmp, "bin")
	deps1 := filepath.Join(tmp, "deps1")
	deps2 := filepath.Join(tmp, "deps2")
	for _, dir := range []string{binDir, deps1, deps2} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}

	root := filepath.Join(binDir, "app.exe")
	writePE(t, root, testutil.Image{
		Machine: pe.IMAGE_FILE_MACHINE_AMD64,
		Imports: []string{"A.dll"},
		// Delay-loaded imports take part in the closure too.
		DelayImports: []string{"B.dll"},
	})
	writePE(t, filepath.Join(deps1, "A.dll"), testutil.Image{
		Machine: pe.IMAGE_FILE_MACHINE_AMD64,
		Imports: []string{"B.dll", "C.dll"},
	})
	// Same name, wrong architecture: must be skipped, not installed.
	writePE(t, filepath.Join(deps1, "B.dll"), testutil.Image{
		Machine: pe.IMAGE_FILE_MACHINE_I386,
	})
	writePE(t, filepath.Join(deps2, "B.dll"), testutil.Image{
		Machine: pe.IMAGE_FILE_MACHINE_AMD64,
	})

	stdout, stderr, code := runCLI(t, "bundle", "-L", deps1, "-L", deps2, root)
	if code != 0 {
		t.Fatalf("Expected exit code 0, got %d\nstderr: %s", code, stderr)
	}

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 install lines, got %q", stdout)
	}
	if !strings.Contains(lines[0], filepath.Join(deps1, "A.dll")+" -> "+filepath.Join(binDir, "A.dll")) {
		t.Errorf("Unexpected first install line %q", lines[0])
	}
	if !strings.Contains(stderr, "Skipped: "+filepath.Join(deps1, "B.dll")) {
		t.Errorf("Expected skip diagnostic for wrong-architecture candidate, got %q", stderr)
	}

	installed, err := os.ReadFile(filepath.Join(binDir, "B.dll"))
	if err != nil {
		t.Fatalf("Expected B.dll installed: %v", err)
	}
	want, _ := os.ReadFile(filepath.Join(deps2, "B.dll"))
	if !bytes.Equal(installed, want) {
		t.Error("Installed B.dll should come from deps2")
	}

	if _, err := os.Stat(filepath.Join(binDir, "C.dll")); err == nil {
		t.Error("C.dll was not found anywhere and must not be installed")
	}
}

func TestBundleDestFlag(t *testing.T) {
	tmp := t.TempDir()
	dist := filepath.Join(tmp, "dist")
	if err := os.MkdirAll(dist, 0755); err != nil {
		t.Fatal(err)
	}

	root := filepath.Join(tmp, "app.exe")
	writePE(t, root, testutil.Image{
		Machine: pe.IMAGE_FILE_MACHINE_AMD64,
		Imports: []string{"lib.dll"},
	})
	writePE(t, filepath.Join(tmp, "lib.dll"), testutil.Image{
		Machine: pe.IMAGE_FILE_MACHINE_AMD64,
	})

	_, stderr, code := runCLI(t, "bundle", "-L", tmp, "--dest", dist, root)
	if code != 0 {
		t.Fatalf("Expected exit code 0, got %d\nstderr: %s", code, stderr)
	}
	if _, err := os.Stat(filepath.Join(dist, "lib.dll")); err != nil {
		t.Errorf("Expected lib.dll in --dest directory: %v", err)
	}
}

func TestImportsJSON(t *testing.T) {
	tmp := t.TempDir()
	target := filepath.Join(tmp, "A.dll")
	writePE(t, target, testutil.Image{
		Machine:      pe.IMAGE_FILE_MACHINE_AMD64,
		Imports:      []string{"KERNEL32.dll"},
		DelayImports: []string{"SHELL32.dll"},
	})

	stdout, stderr, code := runCLI(t, "imports", "-f", "json", target)
	if code != 0 {
		t.Fatalf("Expected exit code 0, got %d\nstderr: %s", code, stderr)
	}

	var report struct {
		File         string   `json:"file"`
		Architecture string   `json:"architecture"`
		Imports      []string `json:"imports"`
	}
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("Failed to parse JSON output: %v\n%s", err, stdout)
	}
	if report.Architecture != "amd64" {
		t.Errorf("Expected amd64, got %q", report.Architecture)
	}
	if want := []string{"KERNEL32.dll", "SHELL32.dll"}; !slices.Equal(report.Imports, want) {
		t.Errorf("Expected imports %v, got %v", want, report.Imports)
	}
}

func TestImportsTextToOutputFile(t *testing.T) {
	tmp := t.TempDir()
	target := filepath.Join(tmp, "A.dll")
	writePE(t, target, testutil.Image{
		Machine: pe.IMAGE_FILE_MACHINE_I386,
		Imports: []string{"msvcrt.dll"},
	})

	outFile := filepath.Join(tmp, "report.txt")
	_, stderr, code := runCLI(t, "imports", "-o", outFile, target)
	if code != 0 {
		t.Fatalf("Expected exit code 0, got %d\nstderr: %s", code, stderr)
	}

	data, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("Expected report file: %v", err)
	}
	if !strings.Contains(string(data), "386") || !strings.Contains(string(data), "msvcrt.dll") {
		t.Errorf("Unexpected report content %q", data)
	}
}

func TestVersionCommand(t *testing.T) {
	stdout, _, code := runCLI(t, "version")
	if code != 0 {
		t.Fatalf("Expected exit code 0, got %d", code)
	}
	if !strings.Contains(stdout, "sarcina") {
		t.Errorf("Expected version output, got %q", stdout)
	}
}
