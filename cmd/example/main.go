package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"segmem/pkg/common"
	"segmem/pkg/config"
	"segmem/pkg/logging"
	"segmem/pkg/memory"
	"segmem/pkg/process"
	"segmem/pkg/shared"
)

const sharedKey = common.SharedKey(1234)

func main() {
	zl, err := logging.New(config.LogConfig{Level: "info"}, "example")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zl.Sync()

	mm, err := memory.New(1024, 16, memory.WithLogger(zl))
	if err != nil {
		log.Fatalf("engine: %v", err)
	}
	reg := shared.NewRegistry(mm, shared.WithLogger(zl))

	id, err := mm.CreateSegment(3000, false)
	if err != nil {
		log.Fatalf("create: %v", err)
	}
	frames, _ := mm.Frames(id)
	fmt.Printf("segment %d: 3000 bytes on frames %v\n", id, frames)

	pa, err := mm.Translate(id, 2500)
	if err != nil {
		log.Fatalf("translate: %v", err)
	}
	fmt.Printf("(%d:2500) -> physical %d (frame %d + %d)\n", id, pa, uint64(pa)/1024, uint64(pa)%1024)

	if _, err := mm.Translate(id, 3000); err != nil {
		fmt.Printf("(%d:3000) -> %v\n", id, err)
	}

	mm.Release(id)
	if err := mm.DestroySegment(id); err != nil {
		log.Fatalf("destroy: %v", err)
	}
	fmt.Printf("destroyed segment %d, %d frames free\n", id, mm.FreeFrames())

	procs := make([]*process.Process, 4)
	workloads := make([]process.Workload, len(procs))
	for i := range procs {
		procs[i] = process.New(i+1, mm, zl)
		local, err := procs[i].AttachShared(reg, sharedKey, 4096)
		if err != nil {
			log.Fatalf("attach: %v", err)
		}
		workloads[i] = process.Workload{
			Proc:       procs[i],
			Local:      local,
			Iterations: 100,
			BaseOffset: uint32(i * 1000),
			Pause:      time.Millisecond,
		}
	}

	shm, _ := reg.Lookup(sharedKey)
	seg, _ := mm.Segment(shm)
	fmt.Printf("shared key %d -> segment %d, ref count %d\n", sharedKey, shm, seg.RefCount)

	start := time.Now()
	if err := process.RunAll(context.Background(), workloads...); err != nil {
		log.Fatalf("workload: %v", err)
	}
	fmt.Printf("%d workloads finished in %v\n", len(workloads), time.Since(start))

	for _, p := range procs {
		if err := p.Close(); err != nil {
			log.Fatalf("close process %d: %v", p.PID(), err)
		}
	}
	if _, err := reg.Lookup(sharedKey); err != nil {
		fmt.Printf("shared key %d released: %v\n", sharedKey, err)
	}
	fmt.Printf("stats: %+v\n", mm.Stats())
}
