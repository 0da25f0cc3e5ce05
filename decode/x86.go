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

package decode

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// X86Decoder is a Decoder for 16-, 32- and 64-bit x86 code.
type X86Decoder struct{}

// Decode implements Decoder.
func (X86Decoder) Decode(mode Mode, pc uint64, raw []byte) (Descriptor, error) {
	inst, err := x86asm.Decode(raw, int(mode))
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Opcode:   Opcode(inst.Op),
		Category: x86Category(inst),
	}, nil
}

// OpcodeName implements Decoder.
func (X86Decoder) OpcodeName(op Opcode) string {
	if op == OpcodeInvalid {
		return "invalid"
	}
	return strings.ToLower(x86asm.Op(op).String())
}

var (
	x86BranchOps = map[string]bool{
		"CALL": true, "LCALL": true, "LJMP": true, "RET": true, "LRET": true,
		"IRET": true, "IRETD": true, "IRETQ": true,
		"LOOP": true, "LOOPE": true, "LOOPNE": true,
	}
	x86StateOps = map[string]bool{
		"CPUID": true, "RDTSC": true, "RDTSCP": true, "RDMSR": true, "WRMSR": true,
		"SYSCALL": true, "SYSRET": true, "SYSENTER": true, "SYSEXIT": true,
		"INT": true, "HLT": true, "CLI": true, "STI": true, "PAUSE": true,
		"LFENCE": true, "MFENCE": true, "SFENCE": true, "XGETBV": true,
		"FXSAVE": true, "FXRSTOR": true, "LDMXCSR": true, "STMXCSR": true,
	}
	x86MathOps = map[string]bool{
		"ADD": true, "ADC": true, "SUB": true, "SBB": true, "MUL": true, "IMUL": true,
		"DIV": true, "IDIV": true, "INC": true, "DEC": true, "NEG": true, "NOT": true,
		"AND": true, "OR": true, "XOR": true, "SHL": true, "SHR": true, "SAR": true,
		"ROL": true, "ROR": true, "RCL": true, "RCR": true, "SHLD": true, "SHRD": true,
		"CMP": true, "TEST": true, "LEA": true, "BSF": true, "BSR": true,
		"POPCNT": true, "LZCNT": true, "TZCNT": true,
	}
	x86ConvertOps = map[string]bool{
		"CBW": true, "CWDE": true, "CDQE": true, "CWD": true, "CDQ": true, "CQO": true,
	}
	// Operations whose memory destination is read as well as written, or
	// only read.
	x86ReadOnlyDestOps = map[string]bool{
		"CMP": true, "TEST": true, "JMP": true, "CALL": true, "LJMP": true,
		"LCALL": true, "PUSH": true, "BT": true,
	}
	x86SIMDMathWords = []string{"ADD", "SUB", "MUL", "DIV", "SQRT", "MIN", "MAX"}
)

func isX86SIMDReg(r x86asm.Reg) bool {
	return (r >= x86asm.X0 && r <= x86asm.X15) || (r >= x86asm.M0 && r <= x86asm.M7)
}

func isX86FPReg(r x86asm.Reg) bool {
	return r >= x86asm.F0 && r <= x86asm.F7
}

func x86Category(inst x86asm.Inst) Category {
	name := inst.Op.String()
	var cat Category
	var simd, fp bool
	for idx, arg := range inst.Args {
		switch a := arg.(type) {
		case x86asm.Reg:
			simd = simd || isX86SIMDReg(a)
			fp = fp || isX86FPReg(a)
		case x86asm.Mem:
			switch {
			case name == "LEA" || name == "NOP":
			case idx > 0 || x86ReadOnlyDestOps[name]:
				cat |= CategoryLoad
			case strings.HasPrefix(name, "MOV") || strings.HasPrefix(name, "SET") || name == "POP":
				cat |= CategoryStore
			default:
				cat |= CategoryLoad | CategoryStore
			}
		}
	}
	switch {
	case name == "PUSH" || name == "CALL" || name == "LCALL":
		cat |= CategoryStore
	case name == "POP" || name == "RET" || name == "LRET":
		cat |= CategoryLoad
	}
	if strings.HasPrefix(name, "J") || x86BranchOps[name] {
		cat |= CategoryBranch
	}
	if x86StateOps[name] {
		cat |= CategoryState
	}
	if strings.HasPrefix(name, "MOV") || strings.HasPrefix(name, "CMOV") ||
		name == "XCHG" || name == "PUSH" || name == "POP" {
		cat |= CategoryMove
	}
	if strings.HasPrefix(name, "CVT") || x86ConvertOps[name] {
		cat |= CategoryConvert
	}
	if x86MathOps[name] {
		cat |= CategoryMath
	}
	if simd {
		cat |= CategorySIMD
		for _, word := range x86SIMDMathWords {
			if strings.Contains(name, word) {
				cat |= CategoryMath
				break
			}
		}
		if strings.HasSuffix(name, "SS") || strings.HasSuffix(name, "SD") ||
			strings.HasSuffix(name, "PS") || strings.HasSuffix(name, "PD") {
			fp = true
		}
	}
	if fp || (strings.HasPrefix(name, "F") && name != "FXSAVE" && name != "FXRSTOR") {
		cat |= CategoryFP
		if strings.HasPrefix(name, "F") {
			for _, word := range x86SIMDMathWords {
				if strings.Contains(name, word) {
					cat |= CategoryMath
					break
				}
			}
		}
	}
	return cat
}
