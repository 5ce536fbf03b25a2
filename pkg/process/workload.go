package process

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Workload describes one run of RunWorkload.
type Workload struct {
	Proc       *Process
	Local      int
	Iterations int
	BaseOffset uint32
	Pause      time.Duration
}

// RunWorkload writes (pid*10+i)&0xFF at base+i and reads it back, for each
// iteration. Offsets must not overlap those of concurrent workloads on the
// same segment; nothing here coordinates between owners.
func (p *Process) RunWorkload(ctx context.Context, local, iterations int, base uint32, pause time.Duration) error {
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		offset := base + uint32(i)
		want := byte((p.pid*10 + i) & 0xFF)

		if err := p.WriteByte(local, offset, want); err != nil {
			return fmt.Errorf("process %d: write %d: %w", p.pid, offset, err)
		}
		got, err := p.ReadByte(local, offset)
		if err != nil {
			return fmt.Errorf("process %d: read %d: %w", p.pid, offset, err)
		}
		if got != want {
			return fmt.Errorf("process %d: offset %d: read %#x after writing %#x", p.pid, offset, got, want)
		}
		p.log.Debugw("workload step", "iter", i, "offset", offset, "value", want)

		if pause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pause):
			}
		}
	}
	return nil
}

// RunAll runs the workloads in parallel and returns the first failure.
func RunAll(ctx context.Context, workloads ...Workload) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range workloads {
		g.Go(func() error {
			return w.Proc.RunWorkload(ctx, w.Local, w.Iterations, w.BaseOffset, w.Pause)
		})
	}
	return g.Wait()
}
