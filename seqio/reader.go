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

// Package seqio reads the external inputs: bin lists, FASTA/FASTQ
// sequence files (optionally gzipped), and prepared minimiser files.
package seqio

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Record is one sequence record.
type Record struct {
	ID  string
	Seq []byte
}

// Reader streams records from a FASTA or FASTQ file, transparently
// decompressing gzip. The format is sniffed from the first byte.
type Reader struct {
	path    string
	file    *os.File
	gz      *gzip.Reader
	br      *bufio.Reader
	isFastq bool
	started bool
}

// fastaExtensions are the stems recognised as FASTA for the cutoff
// heuristic and format checks.
var fastaExtensions = []string{".fasta", ".fa", ".fna", ".ffn", ".faa", ".frn", ".fas"}

var fastqExtensions = []string{".fastq", ".fq"}

// IsCompressed reports whether path names a compressed sequence file.
func IsCompressed(path string) bool {
	switch filepath.Ext(path) {
	case ".gz", ".bgzf", ".bz2":
		return true
	}
	return false
}

// IsFasta reports whether path (after stripping a compression
// extension) has a FASTA extension.
func IsFasta(path string) bool {
	return hasAnyExtension(path, fastaExtensions)
}

// IsFastq is the FASTQ analogue of IsFasta.
func IsFastq(path string) bool {
	return hasAnyExtension(path, fastqExtensions)
}

func hasAnyExtension(path string, exts []string) bool {
	if IsCompressed(path) {
		path = strings.TrimSuffix(path, filepath.Ext(path))
	}
	got := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if got == e {
			return true
		}
	}
	return false
}

// Open opens a sequence file for streaming.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open %s", path)
	}
	r := &Reader{path: path, file: f}

	var src io.Reader = f
	if filepath.Ext(path) == ".gz" || filepath.Ext(path) == ".bgzf" {
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "unable to open %s", path)
		}
		gz.Multistream(true)
		r.gz = gz
		src = gz
	}
	r.br = bufio.NewReaderSize(src, 1<<20)

	first, err := r.br.Peek(1)
	if err != nil {
		r.Close()
		return nil, errors.Wrapf(err, "empty sequence file %s", path)
	}
	switch first[0] {
	case '>':
	case '@':
		r.isFastq = true
	default:
		r.Close()
		return nil, errors.Errorf("%s is neither FASTA nor FASTQ", path)
	}
	return r, nil
}

// Next returns the next record or io.EOF.
func (r *Reader) Next() (Record, error) {
	if r.isFastq {
		return r.nextFastq()
	}
	return r.nextFasta()
}

func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadBytes('\n')
	if len(line) == 0 && err != nil {
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

func (r *Reader) nextFasta() (Record, error) {
	header, err := r.readLine()
	if err != nil {
		return Record{}, err
	}
	if len(header) == 0 || header[0] != '>' {
		return Record{}, errors.Errorf("malformed FASTA record in %s", r.path)
	}
	rec := Record{ID: recordID(header[1:])}
	for {
		next, err := r.br.Peek(1)
		if err != nil || next[0] == '>' {
			break
		}
		line, err := r.readLine()
		if err != nil {
			break
		}
		rec.Seq = append(rec.Seq, line...)
	}
	return rec, nil
}

func (r *Reader) nextFastq() (Record, error) {
	header, err := r.readLine()
	if err != nil {
		return Record{}, err
	}
	if len(header) == 0 || header[0] != '@' {
		return Record{}, errors.Errorf("malformed FASTQ record in %s", r.path)
	}
	seq, err := r.readLine()
	if err != nil {
		return Record{}, errors.Errorf("truncated FASTQ record in %s", r.path)
	}
	plus, err := r.readLine()
	if err != nil || len(plus) == 0 || plus[0] != '+' {
		return Record{}, errors.Errorf("malformed FASTQ separator in %s", r.path)
	}
	if _, err := r.readLine(); err != nil { // quality line
		return Record{}, errors.Errorf("truncated FASTQ record in %s", r.path)
	}
	return Record{ID: recordID(header[1:]), Seq: seq}, nil
}

// recordID keeps the part of the header before the first whitespace.
func recordID(header []byte) string {
	if i := bytes.IndexAny(header, " \t"); i >= 0 {
		header = header[:i]
	}
	return string(header)
}

// ForEach streams every record of path into fn.
func ForEach(path string, fn func(Record) error) error {
	r, err := Open(path)
	if err != nil {
		return err
	}
	defer r.Close()
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	if r.gz != nil {
		r.gz.Close()
	}
	return r.file.Close()
}
