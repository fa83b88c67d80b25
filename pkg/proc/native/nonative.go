//go:build !linux || !(amd64 || arm64)

package native

import "github.com/go-delve/pctl/pkg/proc"

func init() {
	proc.RegisterBackend("native", func(proc.BackendConfig) (proc.Backend, error) {
		return nil, proc.ErrNativeBackendDisabled
	})
}
