package terminal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const starlarkScript = `
def command_peek(args):
    "Prints two bytes at an address."
    print(list(read_memory(int(args, 0), 2).elems()))

def main():
    print("rip=%x" % registers()["rip"])
    write_memory(0x401010, [0x90, 0xcc])
    set_register("rax", 42)
    pctl_command("regs")
    print("threads=%d pid=%d" % (len(threads()), processes()[0].pid))
`

func writeStarFile(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(src), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSourceStarlark(t *testing.T) {
	withTestTerminal(t, func(term *fakeTerminal) {
		out := term.MustExec(t, "source "+writeStarFile(t, "script.star", starlarkScript))
		for _, want := range []string{"rip=401000", "0x000000000000002a", "threads=1 pid=100"} {
			if !strings.Contains(out, want) {
				t.Fatalf("output of script does not contain %q:\n%s", want, out)
			}
		}
		out = term.MustExec(t, "peek 0x401010")
		if !strings.Contains(out, "[144, 204]") {
			t.Fatalf("unexpected output of script command: %s", out)
		}
		out = term.MustExec(t, "help peek")
		if !strings.Contains(out, "Prints two bytes") {
			t.Fatalf("script command has no help: %s", out)
		}
	})
}

func TestSourceStarlarkErrors(t *testing.T) {
	withTestTerminal(t, func(term *fakeTerminal) {
		path := writeStarFile(t, "bad.star", "def main():\n    read_memory(0x10, 4)\n")
		_, err := term.Exec("source " + path)
		if err == nil || !strings.Contains(err.Error(), "bad.star:2") {
			t.Fatalf("expected error located in the script, got %v", err)
		}
		path = writeStarFile(t, "syntax.star", "def main(:\n")
		if _, err := term.Exec("source " + path); err == nil {
			t.Fatal("script with a syntax error succeeded")
		}
		path = writeStarFile(t, "cmd.star", "def main():\n    pctl_command(\"nosuchcommand\")\n")
		if _, err := term.Exec("source " + path); err == nil {
			t.Fatal("unknown command from script succeeded")
		}
	})
}
