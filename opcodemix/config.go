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

package opcodemix

import (
	"errors"

	"github.com/google/opcodemix/decode"
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
)

// Config configures a Tool.
type Config struct {
	// If set, a module list whose files supply the bytes of instructions
	// recorded without their encodings.
	ModuleFilePath string
	// If set, module files are looked up by base name in this directory
	// rather than at the paths recorded in the module list.
	AltModuleDir string
	// Diagnostic verbosity; see analysis.NewLogger.  Ignored if Logger is
	// set.
	Verbose int
	// The number of decoded instructions each shard's cache retains.
	CacheCapacity int
	// The Decoder shared by every shard.
	Decoder decode.Decoder
	// If set, the Tool's metrics are registered here.
	Registerer prometheus.Registerer
	// If set, the Tool logs here.
	Logger *log.Logger
}

// DefaultConfig returns a Config decoding x86 instructions, with no module
// file and default cache capacity.
func DefaultConfig() Config {
	return Config{
		CacheCapacity: decode.DefaultCacheCapacity,
		Decoder:       decode.X86Decoder{},
	}
}

func (cfg Config) validate() error {
	var errs []error
	if cfg.Decoder == nil {
		errs = append(errs, errors.New("a decoder is required"))
	}
	if cfg.AltModuleDir != "" && cfg.ModuleFilePath == "" {
		errs = append(errs, errors.New("an alternate module directory requires a module file"))
	}
	if cfg.CacheCapacity < 0 {
		errs = append(errs, errors.New("decode cache capacity can't be negative"))
	}
	if cfg.Verbose < 0 {
		errs = append(errs, errors.New("verbosity can't be negative"))
	}
	return errors.Join(errs...)
}
