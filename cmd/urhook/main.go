// Command urhook inspects AArch64 machine code with the library's own
// decoder: disassemble words from a file or the command line, show the patch
// sequence the inline-hook planner would choose for a target/destination
// pair, and dump the process memory map.
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/arch/arm64/arm64asm"
	"gopkg.in/yaml.v3"

	"github.com/SMlc666/urhook/internal/disasm"
	"github.com/SMlc666/urhook/internal/hook"
	ulog "github.com/SMlc666/urhook/internal/log"
	"github.com/SMlc666/urhook/internal/mem"
	"github.com/SMlc666/urhook/internal/ui/colorize"
)

var (
	baseAddr string
	inFile   string
	offset   int64
	count    int
	verbose  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "urhook",
		Short: "Inspect AArch64 code the way the hook engine sees it",
		Long: `urhook exposes the hooking library's decoder and patch planner as a CLI.

The disasm command classifies instruction words with the same decoder the
trampoline builder relocates with, so its output shows exactly which
instructions the engine treats as PC-relative. The plan command prints the
patch sequence an install would place at a target.

Examples:
  urhook disasm d10043ff a9017bfd         # words from the command line
  urhook disasm -f libfoo.so -o 0x1f40 -n 16
  urhook plan --target 0x7f00001000 --dest 0x7f0000a000
  urhook plan --batch hooks.yaml
  urhook maps`,
		DisableFlagsInUseLine: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")

	disasmCmd := &cobra.Command{
		Use:   "disasm [hexword...]",
		Short: "Decode AArch64 instruction words",
		RunE:  runDisasm,
	}
	disasmCmd.Flags().StringVarP(&baseAddr, "base", "b", "0", "logical address of the first word")
	disasmCmd.Flags().StringVarP(&inFile, "file", "f", "", "read code bytes from a file")
	disasmCmd.Flags().Int64VarP(&offset, "offset", "o", 0, "byte offset into the file")
	disasmCmd.Flags().IntVarP(&count, "num", "n", 16, "max instructions to decode from a file")
	rootCmd.AddCommand(disasmCmd)

	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the patch sequence for a target/destination pair",
		RunE:  runPlan,
	}
	planCmd.Flags().String("target", "", "address being patched")
	planCmd.Flags().String("dest", "", "address the patch must reach")
	planCmd.Flags().String("batch", "", "YAML file with a list of {target, dest} pairs")
	rootCmd.AddCommand(planCmd)

	mapsCmd := &cobra.Command{
		Use:   "maps",
		Short: "Dump the parsed /proc/self/maps regions",
		RunE:  runMaps,
	}
	rootCmd.AddCommand(mapsCmd)

	cobra.OnInitialize(func() {
		if verbose {
			ulog.Init(true)
		}
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, colorize.Error(err.Error()))
		os.Exit(1)
	}
}

func parseAddr(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	return strconv.ParseUint(s, 16, 64)
}

func runDisasm(cmd *cobra.Command, args []string) error {
	base, err := parseAddr(baseAddr)
	if err != nil {
		return fmt.Errorf("bad base address %q: %w", baseAddr, err)
	}

	var code []byte
	switch {
	case inFile != "":
		data, err := os.ReadFile(inFile)
		if err != nil {
			return err
		}
		if offset < 0 || offset >= int64(len(data)) {
			return fmt.Errorf("offset %#x outside file", offset)
		}
		code = data[offset:]
		if len(code) > count*4 {
			code = code[:count*4]
		}
	case len(args) > 0:
		for _, arg := range args {
			word, err := parseAddr(arg)
			if err != nil || word > 0xFFFFFFFF {
				return fmt.Errorf("bad instruction word %q", arg)
			}
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], uint32(word))
			code = append(code, buf[:]...)
		}
	default:
		return fmt.Errorf("need instruction words or --file")
	}

	printListing(base, code)
	return nil
}

func printListing(base uint64, code []byte) {
	insts := disasm.Decode(base, code, 0)
	for _, inst := range insts {
		text := renderInst(&inst)
		flags := " "
		if inst.PCRel {
			flags = "*"
		}
		fmt.Printf("%s  %s %s %s\n",
			colorize.Address(inst.Addr),
			colorize.HexBytes(fmt.Sprintf("%08x", inst.Raw)),
			flags,
			colorize.Instruction(text))
	}
}

// renderInst prefers the x/arch disassembler's full operand text and falls
// back to our decoder's mnemonic for words it does not know.
func renderInst(inst *disasm.Inst) string {
	if decoded, err := arm64asm.Decode(inst.Bytes[:]); err == nil {
		return strings.ToLower(decoded.String())
	}
	return inst.Mnemonic
}

type planPair struct {
	Target string `yaml:"target"`
	Dest   string `yaml:"dest"`
}

func runPlan(cmd *cobra.Command, args []string) error {
	batch, _ := cmd.Flags().GetString("batch")
	var pairs []planPair
	if batch != "" {
		data, err := os.ReadFile(batch)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, &pairs); err != nil {
			return fmt.Errorf("bad batch file: %w", err)
		}
	} else {
		target, _ := cmd.Flags().GetString("target")
		dest, _ := cmd.Flags().GetString("dest")
		if target == "" || dest == "" {
			return fmt.Errorf("need --target and --dest, or --batch")
		}
		pairs = []planPair{{Target: target, Dest: dest}}
	}

	for _, pair := range pairs {
		target, err := parseAddr(pair.Target)
		if err != nil {
			return fmt.Errorf("bad target %q: %w", pair.Target, err)
		}
		dest, err := parseAddr(pair.Dest)
		if err != nil {
			return fmt.Errorf("bad dest %q: %w", pair.Dest, err)
		}
		words, err := hook.PlanPatch(target, dest)
		if err != nil {
			return err
		}
		fmt.Printf("%s -> %s: %d bytes\n",
			colorize.Address(target), colorize.Address(dest), len(words)*4)
		code := make([]byte, len(words)*4)
		for i, w := range words {
			binary.LittleEndian.PutUint32(code[i*4:], w)
		}
		printListing(target, code)
	}
	return nil
}

func runMaps(cmd *cobra.Command, args []string) error {
	regions, err := mem.Regions()
	if err != nil {
		return err
	}
	fmt.Println(colorize.Header(fmt.Sprintf("%-12s  %-12s  %-5s  %s", "start", "end", "perms", "path")))
	for _, r := range regions {
		fmt.Printf("%012x  %012x  %-5s  %s\n", r.Start, r.End, r.Perms, r.Path)
	}
	return nil
}
