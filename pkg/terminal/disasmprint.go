package terminal

import (
	"bufio"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/go-delve/pctl/pkg/proc"
)

func disasmPrint(dv []proc.AsmInstruction, flavour proc.AssemblyFlavour, symLookup func(uint64) (string, uint64), out io.Writer) {
	bw := bufio.NewWriter(out)
	defer bw.Flush()
	if len(dv) > 0 && symLookup != nil {
		if name, base := symLookup(dv[0].Addr); name != "" && base == dv[0].Addr {
			fmt.Fprintf(bw, "TEXT %s\n", name)
		}
	}
	tw := tabwriter.NewWriter(bw, 1, 8, 1, '\t', 0)
	defer tw.Flush()
	for i := range dv {
		inst := &dv[i]
		atbp := ""
		if inst.Breakpoint {
			atbp = "*"
		}
		atpc := ""
		if inst.AtPC {
			atpc = "=>"
		}
		loc := ""
		if symLookup != nil {
			if name, base := symLookup(inst.Addr); name != "" {
				loc = fmt.Sprintf("%s+%d", name, inst.Addr-base)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%#x%s\t%x\t%s\n", atpc, loc, inst.Addr, atbp, inst.Bytes, inst.Text(flavour, symLookup))
	}
}
