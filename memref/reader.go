/*
	Copyright 2025 Google Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

			http://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package memref

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"golang.org/x/mod/semver"
)

const (
	// CurrentVersion is the trace file format version written by this
	// package's producers.
	CurrentVersion = "v1.1.0"
	// MinVersion is the oldest trace file format version FileReader accepts.
	MinVersion = "v1.0.0"
)

// Header is the first line of a trace file.
type Header struct {
	Version  string   `json:"version"`
	Shard    int      `json:"shard"`
	FileType []string `json:"filetype,omitempty"`
}

// CheckVersion returns an error if the provided trace file format version
// cannot be read by this package.
func CheckVersion(version string) error {
	if !semver.IsValid(version) {
		return fmt.Errorf("invalid trace version '%s'", version)
	}
	if semver.Major(version) != semver.Major(CurrentVersion) {
		return fmt.Errorf("unsupported trace version %s (want %s.x)", version, semver.Major(CurrentVersion))
	}
	if semver.Compare(version, MinVersion) < 0 {
		return fmt.Errorf("trace version %s is older than the minimum supported %s", version, MinVersion)
	}
	return nil
}

// FileReader is a Reader over a JSON-lines trace: a Header line followed by
// one Memref per line.
type FileReader struct {
	Cursor
	name    string
	closer  io.Closer
	decoder *json.Decoder
	header  Header
}

// Open opens the trace file at the provided path.  The returned reader must
// be closed.
func Open(path string) (*FileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fr, err := NewFileReader(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	fr.closer = f
	return fr, nil
}

// NewFileReader returns a FileReader over the provided trace data, and
// reads its header.  The name is used only in error messages.
func NewFileReader(r io.Reader, name string) (*FileReader, error) {
	fr := &FileReader{
		name:    name,
		decoder: json.NewDecoder(r),
	}
	if err := fr.decoder.Decode(&fr.header); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: missing trace header", name)
		}
		return nil, fmt.Errorf("%s: bad trace header: %w", name, err)
	}
	if err := CheckVersion(fr.header.Version); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	ft, err := ParseFileType(fr.header.FileType...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	fr.Shard, fr.Flags = fr.header.Shard, ft
	return fr, nil
}

// Header returns the receiver's trace header.
func (fr *FileReader) Header() Header {
	return fr.header
}

// Next implements Reader.
func (fr *FileReader) Next() (Memref, error) {
	var m Memref
	if err := fr.decoder.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return Memref{}, io.EOF
		}
		return Memref{}, fmt.Errorf("%s: bad record after instruction %d: %w", fr.name, fr.InstructionOrdinal(), err)
	}
	fr.Observe(m)
	return m, nil
}

// Close releases the receiver's underlying file, if it opened one.
func (fr *FileReader) Close() error {
	if fr.closer == nil {
		return nil
	}
	return fr.closer.Close()
}
