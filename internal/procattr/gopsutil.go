package procattr

import (
	"context"
	"slices"

	"github.com/shirou/gopsutil/v3/process"
)

// psHandle adapts a gopsutil process.
type psHandle struct {
	p *process.Process
}

// listProcesses enumerates the host's processes through gopsutil.
func listProcesses(ctx context.Context) ([]handle, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]handle, len(procs))
	for i, p := range procs {
		out[i] = psHandle{p: p}
	}
	return out, nil
}

func (h psHandle) PID() int32 { return h.p.Pid }

// OpenFiles returns the paths of the process's open file descriptors.
// gopsutil omits sockets, pipes and other descriptors without a path.
func (h psHandle) OpenFiles(ctx context.Context) ([]string, error) {
	stats, err := h.p.OpenFilesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	files := make([]string, len(stats))
	for i, st := range stats {
		files[i] = st.Path
	}
	return files, nil
}

// Describe collects identity fields. A process may exit mid-way; fields that
// cannot be read are left empty.
func (h psHandle) Describe(ctx context.Context) Process {
	p := Process{PID: h.p.Pid}
	p.Name, _ = h.p.NameWithContext(ctx)
	p.User, _ = h.p.UsernameWithContext(ctx)
	p.Cmdline, _ = h.p.CmdlineWithContext(ctx)
	p.Cwd, _ = h.p.CwdWithContext(ctx)
	return p
}

// Zombie reports whether the process has exited but not been reaped.
func (h psHandle) Zombie(ctx context.Context) bool {
	status, err := h.p.StatusWithContext(ctx)
	if err != nil {
		return false
	}
	return slices.Contains(status, process.Zombie)
}
