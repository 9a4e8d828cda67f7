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

// Package testutil builds minimal PE images for tests. Binary fixtures
// are synthesized in code rather than checked into testdata.
package testutil

import "encoding/binary"

// Image describes a synthetic PE32+ DLL image: one .idata section holding
// an ordinary import descriptor table, a delay-load descriptor table, and
// the referenced name strings.
type Image struct {
	Machine      uint16   // COFF machine value (e.g. pe.IMAGE_FILE_MACHINE_AMD64)
	Imports      []string // ordinary imports, in table order
	DelayImports []string // delay-load imports, in table order

	// BadImportEntry appends an ordinary import descriptor whose name RVA
	// points outside every section.
	BadImportEntry bool

	// DelayUsesVA emits old-style delay descriptors (attributes bit 0
	// clear) whose name fields hold virtual addresses instead of RVAs.
	DelayUsesVA bool
}

const (
	peOffset    = 0x80     // e_lfanew
	sectionRVA  = 0x1000   // .idata virtual address
	sectionRaw  = 0x200    // .idata file offset (== SizeOfHeaders)
	imageBase   = 0x400000 // small enough for old-style VA delay descriptors
	fileAlign   = 0x200
	sectAlign   = 0x1000
	importDesc  = 20
	delayDesc   = 32
	badNameRVA  = 0x8000 // outside the only section
)

// Bytes assembles the image. The result parses with debug/pe.
func (img Image) Bytes() []byte {
	sect := img.sectionData()

	rawSize := align(uint32(len(sect)), fileAlign)
	sizeOfImage := sectionRVA + align(uint32(len(sect)), sectAlign)

	buf := make([]byte, sectionRaw+int(rawSize))
	le := binary.LittleEndian

	// DOS stub
	buf[0], buf[1] = 'M', 'Z'
	le.PutUint32(buf[0x3C:], peOffset)

	// PE signature + COFF file header
	copy(buf[peOffset:], "PE\x00\x00")
	fh := peOffset + 4
	le.PutUint16(buf[fh:], img.Machine)
	le.PutUint16(buf[fh+2:], 1)      // NumberOfSections
	le.PutUint16(buf[fh+16:], 240)   // SizeOfOptionalHeader (PE32+)
	le.PutUint16(buf[fh+18:], 0x2002) // EXECUTABLE_IMAGE | DLL

	// Optional header (PE32+)
	oh := fh + 20
	le.PutUint16(buf[oh:], 0x20B) // PE32+ magic
	buf[oh+2] = 14                // linker major
	le.PutUint32(buf[oh+8:], rawSize)      // SizeOfInitializedData
	le.PutUint32(buf[oh+20:], sectionRVA)  // BaseOfCode
	le.PutUint64(buf[oh+24:], imageBase)
	le.PutUint32(buf[oh+32:], sectAlign)
	le.PutUint32(buf[oh+36:], fileAlign)
	le.PutUint16(buf[oh+40:], 6) // MajorOperatingSystemVersion
	le.PutUint16(buf[oh+48:], 6) // MajorSubsystemVersion
	le.PutUint32(buf[oh+56:], sizeOfImage)
	le.PutUint32(buf[oh+60:], sectionRaw) // SizeOfHeaders
	le.PutUint16(buf[oh+68:], 3)          // Subsystem: console
	le.PutUint64(buf[oh+72:], 0x100000)   // SizeOfStackReserve
	le.PutUint64(buf[oh+80:], 0x1000)     // SizeOfStackCommit
	le.PutUint64(buf[oh+88:], 0x100000)   // SizeOfHeapReserve
	le.PutUint64(buf[oh+96:], 0x1000)     // SizeOfHeapCommit
	le.PutUint32(buf[oh+108:], 16)        // NumberOfRvaAndSizes

	dd := oh + 112 // data directories
	impCount := len(img.Imports)
	if img.BadImportEntry {
		impCount++
	}
	delayOff := uint32((impCount + 1) * importDesc)
	if impCount > 0 {
		le.PutUint32(buf[dd+8:], sectionRVA) // entry 1: import table
		le.PutUint32(buf[dd+12:], delayOff)
	}
	if len(img.DelayImports) > 0 {
		le.PutUint32(buf[dd+13*8:], sectionRVA+delayOff) // entry 13: delay-load table
		le.PutUint32(buf[dd+13*8+4:], uint32((len(img.DelayImports)+1)*delayDesc))
	}

	// Section header
	sh := oh + 240
	copy(buf[sh:], ".idata")
	le.PutUint32(buf[sh+8:], uint32(len(sect))) // VirtualSize
	le.PutUint32(buf[sh+12:], sectionRVA)
	le.PutUint32(buf[sh+16:], rawSize)
	le.PutUint32(buf[sh+20:], sectionRaw) // PointerToRawData
	le.PutUint32(buf[sh+36:], 0xC0000040) // INITIALIZED_DATA | READ | WRITE

	copy(buf[sectionRaw:], sect)
	return buf
}

// sectionData lays out descriptor tables followed by the name strings.
func (img Image) sectionData() []byte {
	impCount := len(img.Imports)
	if img.BadImportEntry {
		impCount++
	}
	delayOff := (impCount + 1) * importDesc
	strOff := delayOff + (len(img.DelayImports)+1)*delayDesc

	sect := make([]byte, strOff)
	le := binary.LittleEndian

	nameRVA := func(name string) uint32 {
		rva := sectionRVA + uint32(len(sect))
		sect = append(sect, name...)
		sect = append(sect, 0)
		return rva
	}

	for i, name := range img.Imports {
		rva := nameRVA(name)
		le.PutUint32(sect[i*importDesc+12:], rva)
	}
	if img.BadImportEntry {
		le.PutUint32(sect[len(img.Imports)*importDesc+12:], badNameRVA)
	}

	for i, name := range img.DelayImports {
		off := delayOff + i*delayDesc
		addr := nameRVA(name)
		if img.DelayUsesVA {
			le.PutUint32(sect[off+4:], addr+imageBase)
		} else {
			le.PutUint32(sect[off:], 1) // attributes: RVA-style
			le.PutUint32(sect[off+4:], addr)
		}
	}

	return sect
}

func align(n, a uint32) uint32 {
	return (n + a - 1) &^ (a - 1)
}
