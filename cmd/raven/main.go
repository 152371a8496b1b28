package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/xyproto/env/v2"
	"sigs.k8s.io/yaml"

	"github.com/nijakow/raven/pkg/bytecode"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		fmt.Printf("raven version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	case "disasm", "disassemble":
		if len(os.Args) < 3 {
			fmt.Println("Error: no file specified")
			fmt.Println("\nUsage: raven disasm <file.rvc>")
			os.Exit(1)
		}
		disasmFile(os.Args[2])
	case "info":
		args := os.Args[2:]
		asYAML := false
		if len(args) > 0 && args[0] == "-yaml" {
			asYAML = true
			args = args[1:]
		}
		if len(args) < 1 {
			fmt.Println("Error: no file specified")
			fmt.Println("\nUsage: raven info [-yaml] <file.rvc>")
			os.Exit(1)
		}
		infoFile(args[0], asYAML)
	case "opcodes":
		printOpcodes()
	default:
		fmt.Printf("Error: unknown command %q\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("raven - tooling for compiled .rvc bytecode images")
	fmt.Println("\nUsage:")
	fmt.Println("  raven disasm <file.rvc>         Disassemble every function in an image")
	fmt.Println("  raven info [-yaml] <file.rvc>   Show the image header and function summary")
	fmt.Println("  raven opcodes                   List the opcode table")
	fmt.Println("  raven version                   Show version")
	fmt.Println("  raven help                      Show this help")
	fmt.Println("\nEnvironment:")
	fmt.Println("  NO_COLOR / RAVEN_NO_COLOR       Disable ANSI decoration in disasm output")
}

// noColor honors both the classic NO_COLOR convention and the
// tool-specific override.
func noColor() bool {
	return env.Has("NO_COLOR") || env.Bool("RAVEN_NO_COLOR")
}

func bold(s string) string {
	if noColor() {
		return s
	}
	return "\x1b[1m" + s + "\x1b[0m"
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func loadImage(path string) *bytecode.Function {
	data, err := os.ReadFile(path)
	if err != nil {
		fatalf("Error reading %s: %v", path, err)
	}
	fn, err := bytecode.Decode(bytes.NewReader(data))
	if err != nil {
		fatalf("Error decoding %s: %v", path, err)
	}
	return fn
}

// namedFunction pairs a function with the pool path it was reached by.
type namedFunction struct {
	name string
	fn   *bytecode.Function
}

// collectFunctions lists fn and every function nested in its constant
// pool, outermost first.
func collectFunctions(name string, fn *bytecode.Function) []namedFunction {
	out := []namedFunction{{name: name, fn: fn}}
	for i, c := range fn.Constants {
		if nested, ok := c.Ref().(*bytecode.Function); ok {
			out = append(out, collectFunctions(fmt.Sprintf("%s/const[%d]", name, i), nested)...)
		}
	}
	return out
}

func disasmFile(path string) {
	fn := loadImage(path)
	if err := fn.Validate(); err != nil {
		fatalf("Error: %s does not validate: %v", path, err)
	}
	for i, nf := range collectFunctions("<main>", fn) {
		if i > 0 {
			fmt.Println()
		}
		fmt.Printf("%s (locals=%d, varargs=%v, %d bytes)\n",
			bold("function "+nf.name), nf.fn.NumLocals, nf.fn.Varargs, len(nf.fn.Code))
		if err := bytecode.Disassemble(os.Stdout, nf.fn); err != nil {
			fatalf("Error disassembling %s: %v", nf.name, err)
		}
	}
}

// imageInfo is the summary printed by the info subcommand. The json tags
// feed the YAML marshaller.
type imageInfo struct {
	Version   uint32         `json:"version"`
	Build     string         `json:"build"`
	Functions []functionInfo `json:"functions"`
}

type functionInfo struct {
	Name      string `json:"name"`
	Locals    int    `json:"locals"`
	Varargs   bool   `json:"varargs"`
	CodeBytes int    `json:"codeBytes"`
	Constants int    `json:"constants"`
}

func infoFile(path string, asYAML bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		fatalf("Error reading %s: %v", path, err)
	}
	hdr, err := bytecode.ReadHeader(bytes.NewReader(data))
	if err != nil {
		fatalf("Error reading %s: %v", path, err)
	}
	fn, err := bytecode.Decode(bytes.NewReader(data))
	if err != nil {
		fatalf("Error decoding %s: %v", path, err)
	}

	info := imageInfo{
		Version: hdr.Version,
		Build:   hdr.BuildID.String(),
	}
	for _, nf := range collectFunctions("<main>", fn) {
		info.Functions = append(info.Functions, functionInfo{
			Name:      nf.name,
			Locals:    nf.fn.NumLocals,
			Varargs:   nf.fn.Varargs,
			CodeBytes: len(nf.fn.Code),
			Constants: len(nf.fn.Constants),
		})
	}

	if asYAML {
		out, err := yaml.Marshal(info)
		if err != nil {
			fatalf("Error marshalling summary: %v", err)
		}
		os.Stdout.Write(out)
		return
	}

	fmt.Printf("%s %s\n", bold("image"), path)
	fmt.Printf("  version: %d\n", info.Version)
	fmt.Printf("  build:   %s\n", info.Build)
	for _, f := range info.Functions {
		fmt.Printf("  %s: locals=%d varargs=%v code=%dB constants=%d\n",
			f.Name, f.Locals, f.Varargs, f.CodeBytes, f.Constants)
	}
}

func printOpcodes() {
	fmt.Println("value  mnemonic       operand words")
	for op := bytecode.Opcode(0); op.Valid(); op++ {
		fmt.Printf("0x%02X   %-13s  %d\n", byte(op), op, bytecode.OperandWords(op))
	}
}
