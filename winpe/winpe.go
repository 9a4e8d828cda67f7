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

// Package winpe reads the import tables of Windows PE binaries.
//
// The standard debug/pe package exposes headers and sections but not the
// import directory walk, so the descriptor iteration and RVA translation
// are implemented here. Both the ordinary import directory and the
// delay-load import directory are read.
package winpe

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"bennypowers.dev/sarcina/fs"
)

// Arch identifies the target machine of a PE image. Values are the raw
// COFF machine field, compared by equality.
type Arch uint16

const (
	ArchUnknown Arch = pe.IMAGE_FILE_MACHINE_UNKNOWN
	ArchI386    Arch = pe.IMAGE_FILE_MACHINE_I386
	ArchAMD64   Arch = pe.IMAGE_FILE_MACHINE_AMD64
	ArchARM     Arch = pe.IMAGE_FILE_MACHINE_ARMNT
	ArchARM64   Arch = pe.IMAGE_FILE_MACHINE_ARM64
)

func (a Arch) String() string {
	switch a {
	case ArchI386:
		return "386"
	case ArchAMD64:
		return "amd64"
	case ArchARM:
		return "arm"
	case ArchARM64:
		return "arm64"
	case ArchUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("machine(%#x)", uint16(a))
	}
}

// Info is the result of parsing one binary: its architecture and the
// modules named by its import tables. Imports lists ordinary imports
// first, then delay-load imports, each in on-disk table order.
type Info struct {
	Arch    Arch
	Imports []string
}

// Reader parses PE images read through a FileSystem.
type Reader struct {
	fs   fs.FileSystem
	diag io.Writer
}

// NewReader creates a Reader. Per-entry warnings go to stderr unless
// redirected with WithDiagnostics.
func NewReader(fsys fs.FileSystem) *Reader {
	return &Reader{fs: fsys, diag: os.Stderr}
}

// WithDiagnostics returns a Reader that writes per-entry warnings to w.
func (r *Reader) WithDiagnostics(w io.Writer) *Reader {
	return &Reader{fs: r.fs, diag: w}
}

// Data directory slots of interest (pecoff §optional header).
const (
	dirEntryImport      = 1  // IMAGE_DIRECTORY_ENTRY_IMPORT
	dirEntryDelayImport = 13 // IMAGE_DIRECTORY_ENTRY_DELAY_IMPORT
)

const (
	importDescriptorSize = 20
	delayDescriptorSize  = 32
)

// ReadImports parses the binary at path and returns its architecture and
// the full list of modules it imports. An unreadable file or an
// unrecognized image is an error; a single import-directory entry whose
// name cannot be resolved is skipped with a diagnostic and the remaining
// entries are still returned.
func (r *Reader) ReadImports(path string) (*Info, error) {
	data, err := r.fs.ReadFile(path)
	if err != nil {
		return nil, err
	}

	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer f.Close()

	info := &Info{Arch: Arch(f.FileHeader.Machine)}

	dirs, imageBase := dataDirectories(f)
	if dirs == nil {
		// No optional header (plain COFF object): nothing imported.
		return info, nil
	}

	if dd := dirs[dirEntryImport]; dd.VirtualAddress != 0 {
		info.Imports = append(info.Imports, r.importNames(f, path, dd.VirtualAddress)...)
	}
	if dd := dirs[dirEntryDelayImport]; dd.VirtualAddress != 0 {
		info.Imports = append(info.Imports, r.delayImportNames(f, path, dd.VirtualAddress, imageBase)...)
	}

	return info, nil
}

// importNames walks the ordinary import descriptor table at rva. Each
// descriptor is 20 bytes with the module name RVA at offset 12; the table
// ends at an all-zero descriptor.
func (r *Reader) importNames(f *pe.File, path string, rva uint32) []string {
	var names []string
	d := bytesAt(f, rva)
	for len(d) >= importDescriptorSize {
		desc := d[:importDescriptorSize]
		d = d[importDescriptorSize:]
		if allZero(desc) {
			break
		}
		nameRVA := binary.LittleEndian.Uint32(desc[12:16])
		name, ok := cstringAt(f, nameRVA)
		if !ok {
			fmt.Fprintf(r.diag, "%s: unreadable import directory entry\n", path)
			continue
		}
		names = append(names, name)
	}
	return names
}

// delayImportNames walks the delay-load descriptor table at rva. Each
// descriptor is 32 bytes with attributes at offset 0 and the module name
// at offset 4. Descriptors predating the RVA convention (attributes bit 0
// clear) store virtual addresses, so the image base is subtracted.
func (r *Reader) delayImportNames(f *pe.File, path string, rva uint32, imageBase uint64) []string {
	var names []string
	d := bytesAt(f, rva)
	for len(d) >= delayDescriptorSize {
		desc := d[:delayDescriptorSize]
		d = d[delayDescriptorSize:]
		if allZero(desc) {
			break
		}
		attrs := binary.LittleEndian.Uint32(desc[0:4])
		nameAddr := uint64(binary.LittleEndian.Uint32(desc[4:8]))
		if attrs&1 == 0 && nameAddr >= imageBase {
			nameAddr -= imageBase
		}
		name, ok := cstringAt(f, uint32(nameAddr))
		if !ok {
			fmt.Fprintf(r.diag, "%s: unreadable delay import directory entry\n", path)
			continue
		}
		names = append(names, name)
	}
	return names
}

// dataDirectories returns the optional header's data directory slice and
// the image base, or nil when the file has no optional header.
func dataDirectories(f *pe.File) ([]pe.DataDirectory, uint64) {
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		return oh.DataDirectory[:], uint64(oh.ImageBase)
	case *pe.OptionalHeader64:
		return oh.DataDirectory[:], oh.ImageBase
	}
	return nil, 0
}

// bytesAt returns the raw section data starting at rva, or nil when rva
// is not backed by any section.
func bytesAt(f *pe.File, rva uint32) []byte {
	for _, s := range f.Sections {
		size := s.VirtualSize
		if size == 0 {
			size = s.Size
		}
		if s.VirtualAddress <= rva && rva < s.VirtualAddress+size {
			data, err := s.Data()
			if err != nil {
				return nil
			}
			off := rva - s.VirtualAddress
			if uint64(off) >= uint64(len(data)) {
				return nil
			}
			return data[off:]
		}
	}
	return nil
}

// cstringAt reads the NUL-terminated string at rva.
func cstringAt(f *pe.File, rva uint32) (string, bool) {
	b := bytesAt(f, rva)
	if b == nil {
		return "", false
	}
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", false
	}
	return string(b[:i]), true
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
