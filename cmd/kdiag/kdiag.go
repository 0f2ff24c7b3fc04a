// Command kdiag renders a kernel diagnostic dump (the allocator and
// scheduler stats.Counter_t snapshot plus a cycle-count sample list,
// written out by the kernel on panic or clean shutdown) two ways: as a
// pprof profile for flamegraph-style viewing of the cycle samples, and
// as a pretty-printed Go struct literal of every counter that is
// actually nonzero, for a human skimming a dump at a terminal.
//
// Wires github.com/google/pprof/profile to build the profile,
// golang.org/x/tools/go/ast/astutil to prune the zero-valued fields
// out of the counter struct literal before printing it with
// go/printer, and golang.org/x/arch/x86/x86asm to disassemble the
// faulting instruction a kernel-mode-fault dump captures (spec.md §7:
// "prints the vector, error code, faulting address, and instruction
// pointer"), per SPEC_FULL.md's domain-stack tooling section.
package main

import (
	"encoding/json"
	"fmt"
	"go/ast"
	"go/printer"
	"go/token"
	"os"
	"time"

	"github.com/google/pprof/profile"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/tools/go/ast/astutil"
)

// / Dump_t is the on-disk shape of a kernel diagnostic dump.
type Dump_t struct {
	Alloc struct {
		Allocs  int64 `json:"allocs"`
		Frees   int64 `json:"frees"`
		OOMHits int64 `json:"oom_hits"`
	} `json:"alloc"`
	Sched struct {
		Dequeues    int64 `json:"dequeues"`
		Yields      int64 `json:"yields"`
		Sleeps      int64 `json:"sleeps"`
		Wakes       int64 `json:"wakes"`
		Reschedules int64 `json:"reschedules"`
	} `json:"sched"`
	// Samples is a cycle count recorded at each of a fixed set of
	// instrumentation sites (one sample per dump), rendered as a
	// single-sample-type pprof profile.
	Samples []int64 `json:"samples"`
	// Fault, when non-nil, is a kernel-mode-fault record: the vector,
	// error code, faulting rip, and the raw instruction bytes read
	// starting at rip, for kdiag to disassemble. (The kernel's own
	// fault handler prints only the vector, error code and rip through
	// klog.Panicf.)
	Fault *FaultDump_t `json:"fault,omitempty"`
}

// / FaultDump_t is the kernel-mode-fault record of spec.md §7.
type FaultDump_t struct {
	Vector  int    `json:"vector"`
	ErrCode uint64 `json:"err_code"`
	Rip     uint64 `json:"rip"`
	Code    []byte `json:"code"`
}

// disassemble decodes the single instruction at the start of f.Code
// and renders it in Intel syntax, or an error string if the bytes
// don't decode to a valid instruction.
func disassemble(f FaultDump_t) string {
	inst, err := x86asm.Decode(f.Code, 64)
	if err != nil {
		return fmt.Sprintf("<could not decode: %v>", err)
	}
	return x86asm.IntelSyntax(inst, f.Rip, nil)
}

func loadDump(path string) (Dump_t, error) {
	var d Dump_t
	b, err := os.ReadFile(path)
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal(b, &d); err != nil {
		return d, err
	}
	return d, nil
}

// buildProfile renders d.Samples as a pprof profile with one sample
// type, "cycles", so the dump can be opened with `go tool pprof`.
func buildProfile(d Dump_t) *profile.Profile {
	loc := &profile.Location{ID: 1}
	fn := &profile.Function{ID: 1, Name: "kernel_dump"}
	loc.Line = []profile.Line{{Function: fn, Line: 1}}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "cycles", Unit: "count"}},
		Location:   []*profile.Location{loc},
		Function:   []*profile.Function{fn},
		TimeNanos:  time.Now().UnixNano(),
	}
	for _, c := range d.Samples {
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{c},
		})
	}
	return p
}

// counterLiteral builds a composite literal of every Alloc/Sched
// counter in d, one key:value pair per field.
func counterLiteral(d Dump_t) *ast.CompositeLit {
	kv := func(name string, n int64) *ast.KeyValueExpr {
		return &ast.KeyValueExpr{
			Key:   ast.NewIdent(name),
			Value: ast.NewIdent(fmt.Sprintf("%d", n)),
		}
	}
	lit := &ast.CompositeLit{Type: ast.NewIdent("ProcessDump")}
	lit.Elts = append(lit.Elts,
		kv("Allocs", d.Alloc.Allocs),
		kv("Frees", d.Alloc.Frees),
		kv("OOMHits", d.Alloc.OOMHits),
		kv("Dequeues", d.Sched.Dequeues),
		kv("Yields", d.Sched.Yields),
		kv("Sleeps", d.Sched.Sleeps),
		kv("Wakes", d.Sched.Wakes),
		kv("Reschedules", d.Sched.Reschedules),
	)
	return lit
}

// pruneZero removes every KeyValueExpr in lit whose value is the
// literal "0", so a quiet counter doesn't clutter the printed dump.
func pruneZero(lit *ast.CompositeLit) ast.Node {
	return astutil.Apply(lit, nil, func(c *astutil.Cursor) bool {
		kv, ok := c.Node().(*ast.KeyValueExpr)
		if !ok {
			return true
		}
		if id, ok := kv.Value.(*ast.Ident); ok && id.Name == "0" {
			c.Delete()
		}
		return true
	})
}

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: kdiag <dump.json> <out-profile.pb.gz>\n")
		os.Exit(1)
	}
	dumpPath, outPath := os.Args[1], os.Args[2]

	d, err := loadDump(dumpPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	p := buildProfile(d)
	out, err := os.Create(outPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer out.Close()
	if err := p.Write(out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	pruned := pruneZero(counterLiteral(d))
	fmt.Println("nonzero counters:")
	if err := printer.Fprint(os.Stdout, token.NewFileSet(), pruned); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println()

	if d.Fault != nil {
		fmt.Printf("kernel-mode fault: vector %#x, error %#x, rip %#x\n",
			d.Fault.Vector, d.Fault.ErrCode, d.Fault.Rip)
		fmt.Printf("  faulting instruction: %s\n", disassemble(*d.Fault))
	}
}
