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

package analysis

import (
	"io"
	"os"

	"github.com/phuslu/log"
)

// NewLogger returns a logger writing to w whose level follows the provided
// verbosity: 0 logs warnings and errors, 1 adds informational messages, and
// 2 or more adds debug messages.  A nil w selects stderr.
func NewLogger(verbosity int, w io.Writer) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := log.WarnLevel
	switch {
	case verbosity >= 2:
		level = log.DebugLevel
	case verbosity == 1:
		level = log.InfoLevel
	}
	return &log.Logger{
		Level:  level,
		Writer: &log.IOWriter{Writer: w},
	}
}
