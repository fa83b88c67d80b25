package native

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/go-delve/pctl/pkg/logflags"
)

// ErrWaitForTimeout is returned by WaitFor when no matching process
// appeared in time.
var ErrWaitForTimeout = errors.New("waitfor: no matching process found")

// WaitFor polls the process list every interval until a process whose
// command line starts with prefix appears and returns its pid. Processes
// running when WaitFor is called never match. A zero duration waits until
// ctx is done.
func WaitFor(ctx context.Context, prefix string, interval, duration time.Duration) (int, error) {
	if interval <= 0 {
		interval = time.Second
	}
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}
	log := logflags.NativeLogger()
	seen := map[int32]struct{}{}
	if _, err := searchProcess(ctx, prefix, seen, true); err != nil {
		return 0, err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return 0, ErrWaitForTimeout
			}
			return 0, ctx.Err()
		case <-ticker.C:
		}
		pid, err := searchProcess(ctx, prefix, seen, false)
		if err != nil {
			return 0, err
		}
		if pid != 0 {
			log.Debugf("waitfor: found %d", pid)
			return pid, nil
		}
	}
}

// searchProcess returns the first process not in seen whose command line
// starts with prefix, and adds every process it looks at to seen. If
// initial is set it only fills seen.
func searchProcess(ctx context.Context, prefix string, seen map[int32]struct{}, initial bool) (int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range procs {
		if _, isseen := seen[p.Pid]; isseen {
			continue
		}
		seen[p.Pid] = struct{}{}
		if initial {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil {
			// probably we just don't have permissions
			continue
		}
		if strings.HasPrefix(cmdline, prefix) {
			return int(p.Pid), nil
		}
	}
	return 0, nil
}
