// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package fits

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// Writes an in-memory FITS image to a file with given filename.
// Creates/overwrites the file if necessary
func (f *Image) WriteFile(fileName string) error {
	file, err := os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer file.Close()
	w := bufio.NewWriter(file)
	if err = f.Write(w); err != nil {
		return err
	}
	return w.Flush()
}

// Writes an in-memory FITS image to an io.Writer as 32-bit floating point
func (f *Image) Write(w io.Writer) error {
	// Build header in string buffer
	sb := strings.Builder{}
	writeHeaderBool(&sb, "SIMPLE", true, "    FITS standard 4.0")
	writeHeaderInt32(&sb, "BITPIX", -32, "    32-bit floating point")
	writeHeaderInt32(&sb, "NAXIS", int32(len(f.Naxisn)), "[1] Number of axis")
	for i := 0; i < len(f.Naxisn); i++ {
		writeHeaderInt32(&sb, fmt.Sprintf("NAXIS%d", i+1), f.Naxisn[i], "[1] Axis size")
	}
	writeHeaderFloat32(&sb, "BZERO", f.Bzero, "[1] Zero offset")
	for _, hist := range f.Header.History {
		fmt.Fprintf(&sb, "HISTORY %-72s", hist)
	}
	writeHeaderEnd(&sb)

	// Pad current header block with spaces if necessary
	bytesInHeaderBlock := sb.Len() % fitsBlockSize
	if bytesInHeaderBlock > 0 {
		sb.WriteString(strings.Repeat(" ", fitsBlockSize-bytesInHeaderBlock))
	}

	if _, err := w.Write([]byte(sb.String())); err != nil {
		return err
	}

	// Write payload data, replacing NaNs with zeros for compatibility
	return writeFloat32Array(w, f.Data, true)
}

func writeHeaderBool(w io.Writer, key string, value bool, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	if len(comment) > 47 {
		comment = comment[0:47]
	}
	v := "F"
	if value {
		v = "T"
	}
	fmt.Fprintf(w, "%-8s= %20s / %-47s", key, v, comment)
}

func writeHeaderInt32(w io.Writer, key string, value int32, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	if len(comment) > 47 {
		comment = comment[0:47]
	}
	fmt.Fprintf(w, "%-8s= %20d / %-47s", key, value, comment)
}

func writeHeaderFloat32(w io.Writer, key string, value float32, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	if len(comment) > 47 {
		comment = comment[0:47]
	}
	fmt.Fprintf(w, "%-8s= %20g / %-47s", key, value, comment)
}

func writeHeaderEnd(w io.Writer) {
	fmt.Fprintf(w, "END%s", strings.Repeat(" ", headerLineSize-3))
}

// Writes FITS binary body data in network byte order, padded to the FITS
// block size. Optionally replaces NaNs with zeros for compatibility
func writeFloat32Array(w io.Writer, data []float32, replaceNaNs bool) error {
	buf := make([]byte, 4*len(data))
	for i, d := range data {
		if replaceNaNs && math.IsNaN(float64(d)) {
			d = 0
		}
		val := math.Float32bits(d)
		buf[4*i+0] = byte(val >> 24)
		buf[4*i+1] = byte(val >> 16)
		buf[4*i+2] = byte(val >> 8)
		buf[4*i+3] = byte(val)
	}
	if _, err := w.Write(buf); err != nil {
		return err
	}
	if tail := len(buf) % fitsBlockSize; tail > 0 {
		_, err := w.Write(make([]byte, fitsBlockSize-tail))
		return err
	}
	return nil
}
