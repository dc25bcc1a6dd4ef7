/*
 * Copyright 2024 The Raptor Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package archive frames versioned little-endian binary state. A file
// starts with a magic string and a version word; everything after is
// payload, digested on the fly; the file ends with the digest so that a
// truncated or corrupted archive is rejected on load.
package archive

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Writer serialises a single archive. Errors are sticky: after the first
// failure every later call writes nothing, and Close reports it.
type Writer struct {
	w      *bufio.Writer
	digest *xxhash.Digest
	err    error
}

// NewWriter writes the magic and version header and returns a Writer
// for the payload.
func NewWriter(w io.Writer, magic string, version uint32) (*Writer, error) {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(magic); err != nil {
		return nil, errors.Wrap(err, "while writing archive magic")
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], version)
	if _, err := bw.Write(buf[:]); err != nil {
		return nil, errors.Wrap(err, "while writing archive version")
	}
	return &Writer{w: bw, digest: xxhash.New()}, nil
}

func (w *Writer) write(p []byte) {
	if w.err != nil {
		return
	}
	if _, err := w.w.Write(p); err != nil {
		w.err = err
		return
	}
	w.digest.Write(p) // never fails
}

// U8 writes one byte.
func (w *Writer) U8(v uint8) { w.write([]byte{v}) }

// U32 writes a little-endian uint32.
func (w *Writer) U32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	w.write(buf[:])
}

// U64 writes a little-endian uint64.
func (w *Writer) U64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	w.write(buf[:])
}

// F64 writes a float64 by its IEEE-754 bits.
func (w *Writer) F64(v float64) { w.U64(math.Float64bits(v)) }

// Bytes writes a length-prefixed byte slice.
func (w *Writer) Bytes(p []byte) {
	w.U64(uint64(len(p)))
	w.write(p)
}

// String writes a length-prefixed string.
func (w *Writer) String(s string) { w.Bytes([]byte(s)) }

// U64s writes a length-prefixed uint64 slice.
func (w *Writer) U64s(vs []uint64) {
	w.U64(uint64(len(vs)))
	for _, v := range vs {
		w.U64(v)
	}
}

// Words writes a uint64 slice without length prefix; the caller records
// the geometry elsewhere. Bulk bit-vector payloads use it.
func (w *Writer) Words(vs []uint64) {
	var buf [8]byte
	for _, v := range vs {
		binary.LittleEndian.PutUint64(buf[:], v)
		w.write(buf[:])
	}
}

// Close appends the payload digest and flushes. The archive is complete
// only if Close returns nil.
func (w *Writer) Close() error {
	if w.err != nil {
		return errors.Wrap(w.err, "while writing archive")
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], w.digest.Sum64())
	if _, err := w.w.Write(buf[:]); err != nil {
		return errors.Wrap(err, "while writing archive digest")
	}
	return errors.Wrap(w.w.Flush(), "while flushing archive")
}

// Reader deserialises a single archive written by Writer.
type Reader struct {
	r       *bufio.Reader
	digest  *xxhash.Digest
	version uint32
	err     error
}

// NewReader checks the magic, reads the version, and verifies it lies in
// [minVersion, maxVersion].
func NewReader(r io.Reader, magic string, minVersion, maxVersion uint32) (*Reader, error) {
	br := bufio.NewReader(r)
	got := make([]byte, len(magic))
	if _, err := io.ReadFull(br, got); err != nil {
		return nil, errors.Wrap(err, "while reading archive magic")
	}
	if string(got) != magic {
		return nil, errors.Errorf("not a %s archive", magic)
	}
	var buf [4]byte
	if _, err := io.ReadFull(br, buf[:]); err != nil {
		return nil, errors.Wrap(err, "while reading archive version")
	}
	version := binary.LittleEndian.Uint32(buf[:])
	if version < minVersion || version > maxVersion {
		return nil, errors.Errorf("unsupported archive version %d, expected [%d,%d]", version, minVersion, maxVersion)
	}
	return &Reader{r: br, digest: xxhash.New(), version: version}, nil
}

// Version returns the version read from the header.
func (r *Reader) Version() uint32 { return r.version }

// Err returns the first error encountered.
func (r *Reader) Err() error { return r.err }

func (r *Reader) read(p []byte) bool {
	if r.err != nil {
		return false
	}
	if _, err := io.ReadFull(r.r, p); err != nil {
		r.err = err
		return false
	}
	r.digest.Write(p)
	return true
}

// U8 reads one byte.
func (r *Reader) U8() uint8 {
	var buf [1]byte
	r.read(buf[:])
	return buf[0]
}

// U32 reads a little-endian uint32.
func (r *Reader) U32() uint32 {
	var buf [4]byte
	if !r.read(buf[:]) {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// U64 reads a little-endian uint64.
func (r *Reader) U64() uint64 {
	var buf [8]byte
	if !r.read(buf[:]) {
		return 0
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// F64 reads a float64.
func (r *Reader) F64() float64 { return math.Float64frombits(r.U64()) }

// Bytes reads a length-prefixed byte slice.
func (r *Reader) Bytes() []byte {
	n := r.U64()
	if r.err != nil {
		return nil
	}
	p := make([]byte, n)
	if !r.read(p) {
		return nil
	}
	return p
}

// String reads a length-prefixed string.
func (r *Reader) String() string { return string(r.Bytes()) }

// U64s reads a length-prefixed uint64 slice.
func (r *Reader) U64s() []uint64 {
	n := r.U64()
	if r.err != nil {
		return nil
	}
	vs := make([]uint64, n)
	r.WordsInto(vs)
	return vs
}

// WordsInto fills vs with raw uint64 words.
func (r *Reader) WordsInto(vs []uint64) {
	var buf [8]byte
	for i := range vs {
		if !r.read(buf[:]) {
			return
		}
		vs[i] = binary.LittleEndian.Uint64(buf[:])
	}
}

// Close reads the trailing digest and verifies the payload.
func (r *Reader) Close() error {
	if r.err != nil {
		return errors.Wrap(r.err, "while reading archive")
	}
	want := r.digest.Sum64()
	var buf [8]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		return errors.Wrap(err, "while reading archive digest")
	}
	if got := binary.LittleEndian.Uint64(buf[:]); got != want {
		return errors.Errorf("archive digest mismatch: stored %x, computed %x", got, want)
	}
	return nil
}
