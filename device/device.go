// Package device selects the compute device a training run is bound to.
//
// The selection happens once per process and the resulting *Device is passed
// explicitly to the data loader, the model and the trainer. Two kinds exist:
// the accelerated device fans kernels out across every core of a SIMD-capable
// CPU, the plain CPU device runs every kernel on the calling goroutine.
package device

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/klauspost/cpuid/v2"
)

// Kind identifies a device type.
type Kind string

const (
	// Auto picks Accelerated when the host supports it, CPU otherwise.
	Auto Kind = "auto"
	// CPU runs all kernels serially.
	CPU Kind = "cpu"
	// Accelerated runs kernels on a worker per logical core.
	Accelerated Kind = "accel"
)

// ParseKind converts a user supplied device name.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case "", Auto:
		return Auto, nil
	case CPU:
		return CPU, nil
	case Accelerated, "accelerated", "cuda", "gpu":
		return Accelerated, nil
	default:
		return "", fmt.Errorf("unknown device %q (want auto, cpu or accel)", s)
	}
}

// Capabilities describes what the host CPU offers.
type Capabilities struct {
	Brand   string
	Vendor  string
	Cores   int
	Vectors []string // SIMD extensions usable by the GEMM kernels
}

// Accelerated reports whether the host qualifies for the accelerated device.
func (c Capabilities) Accelerated() bool {
	return len(c.Vectors) > 0 && c.Cores > 1
}

// Probe inspects the host CPU.
func Probe() Capabilities {
	caps := Capabilities{
		Brand:  cpuid.CPU.BrandName,
		Vendor: cpuid.CPU.VendorString,
		Cores:  runtime.NumCPU(),
	}
	if cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ) {
		caps.Vectors = append(caps.Vectors, "avx512")
	}
	if cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3) {
		caps.Vectors = append(caps.Vectors, "avx2")
	}
	if cpuid.CPU.Supports(cpuid.ASIMD) {
		caps.Vectors = append(caps.Vectors, "neon")
	}
	return caps
}

// Device is a process-lifetime compute binding.
type Device struct {
	kind    Kind
	workers int
	label   string
}

// New returns a device of the given kind. workers <= 0 means one worker per
// logical core for Accelerated and is ignored for CPU.
func New(kind Kind, workers int) *Device {
	if kind == CPU || kind == Auto {
		return &Device{kind: CPU, workers: 1, label: "cpu"}
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Device{kind: Accelerated, workers: workers, label: fmt.Sprintf("accel:%d", workers)}
}

// Select resolves a requested kind against the host capabilities. Requesting
// Accelerated on a host without it is an error; Auto silently degrades.
func Select(want Kind) (*Device, error) {
	caps := Probe()
	switch want {
	case CPU:
		return New(CPU, 1), nil
	case Accelerated:
		if !caps.Accelerated() {
			return nil, fmt.Errorf("accelerated device unavailable (cores=%d, vector extensions=%v)", caps.Cores, caps.Vectors)
		}
		return withVectors(New(Accelerated, caps.Cores), caps), nil
	case Auto, "":
		if caps.Accelerated() {
			return withVectors(New(Accelerated, caps.Cores), caps), nil
		}
		return New(CPU, 1), nil
	default:
		return nil, fmt.Errorf("unknown device kind %q", want)
	}
}

func withVectors(d *Device, caps Capabilities) *Device {
	d.label = fmt.Sprintf("accel:%s x%d", strings.Join(caps.Vectors, "+"), d.workers)
	return d
}

// Kind returns the device kind.
func (d *Device) Kind() Kind {
	if d == nil {
		return CPU
	}
	return d.kind
}

// Workers returns the kernel fan-out width.
func (d *Device) Workers() int {
	if d == nil {
		return 1
	}
	return d.workers
}

func (d *Device) String() string {
	if d == nil {
		return "cpu"
	}
	return d.label
}

// ForEach calls body for every i in [0, n). On the accelerated device the
// calls run concurrently, bounded by the worker count; body must only write
// state owned by index i.
func (d *Device) ForEach(n int, body func(i int)) {
	if n <= 0 {
		return
	}
	limit := d.Workers()
	if limit <= 1 || n == 1 {
		for i := 0; i < n; i++ {
			body(i)
		}
		return
	}
	if limit > n {
		limit = n
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			body(i)
		}(i)
	}
	wg.Wait()
}
