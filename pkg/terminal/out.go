package terminal

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/mattn/go-isatty"
)

// pagingWriter forwards output to w. After PageMaybe it counts the
// lines of the current command's output and, once they no longer fit the
// window, hands the rest of the output to an external pager.
type pagingWriter struct {
	w io.Writer

	held     bytes.Buffer // output written since PageMaybe
	counting bool
	rows     int
	cols     int
	lines    int
	col      int
	endsNL   bool

	pager *exec.Cmd
	pipe  io.WriteCloser
}

func (w *pagingWriter) Write(p []byte) (int, error) {
	if w.pipe != nil {
		return w.pipe.Write(p)
	}
	if !w.counting {
		return w.w.Write(p)
	}
	w.held.Write(p)
	if w.count(p) > w.rows {
		if w.startPager() {
			return len(p), nil
		}
	}
	if len(p) > 0 {
		w.endsNL = p[len(p)-1] == '\n'
	}
	return w.w.Write(p)
}

// count adds the terminal lines p occupies to the running total, wrapping
// lines longer than the window.
func (w *pagingWriter) count(p []byte) int {
	for _, c := range p {
		w.col++
		if c == '\n' || w.col > w.cols {
			w.lines++
			w.col = 0
		}
	}
	return w.lines
}

func (w *pagingWriter) startPager() bool {
	w.counting = false
	cmd := exec.Command(pagerCommand())
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	pipe, err := cmd.StdinPipe()
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		w.held.Reset()
		return false
	}
	if !w.endsNL {
		io.WriteString(w.w, "\n")
	}
	io.WriteString(w.w, "Sending output to pager...\n")
	w.pager, w.pipe = cmd, pipe
	w.pipe.Write(w.held.Bytes())
	w.held.Reset()
	return true
}

func pagerCommand() string {
	if p := os.Getenv("PCTL_PAGER"); p != "" {
		return p
	}
	if p := os.Getenv("PAGER"); p != "" {
		return p
	}
	return "more"
}

// Reset ends paging for the current command, waiting for the pager to
// exit if one was started.
func (w *pagingWriter) Reset() {
	w.counting = false
	w.held.Reset()
	if w.pager != nil {
		w.pipe.Close()
		w.pager.Wait()
		w.pager, w.pipe = nil, nil
	}
}

// PageMaybe makes the output of the current command go through a pager if
// it turns out to be longer than the terminal window. Paging is only
// enabled for interactive terminals, unless PCTL_PAGER is set.
func (w *pagingWriter) PageMaybe() {
	if w.counting || w.pipe != nil {
		return
	}
	if os.Getenv("PCTL_PAGER") == "" {
		if f, ok := w.w.(*os.File); ok && !isatty.IsTerminal(f.Fd()) {
			return
		}
		if strings.EqualFold(os.Getenv("TERM"), "dumb") {
			return
		}
	}
	rows, cols, ok := windowSize()
	if !ok || rows <= 0 || cols <= 0 {
		return
	}
	w.rows, w.cols = rows, cols
	w.lines, w.col = 0, 0
	w.endsNL = true
	w.counting = true
}
