package primitive

import (
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/cpu"

	"github.com/23skdu/longbow-quant/internal/tensor"
)

// ensure interface compliance
var _ Executor = (*CPUExecutor)(nil)

// HasVNNI reports whether the host has AVX512-VNNI. Without it, u8 kernels
// risk saturating their 16-bit intermediates, so calibration narrows the u8
// range by default.
var HasVNNI = func() bool { return cpu.X86.HasAVX512VNNI }

// defaultGrain is the smallest chunk worth handing to another goroutine.
const defaultGrain = 16 * 1024

// CPUExecutor runs primitives on the host, splitting the element range across
// worker goroutines. Elements are independent so chunks run in any order.
type CPUExecutor struct {
	workers int
	grain   int
}

// NewCPUExecutor creates an executor with the given parallelism.
// workers <= 0 selects runtime.NumCPU().
func NewCPUExecutor(workers int) *CPUExecutor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	log.Debug().
		Int("workers", workers).
		Bool("avx2", cpu.X86.HasAVX2).
		Bool("avx512f", cpu.X86.HasAVX512F).
		Bool("vnni", HasVNNI()).
		Bool("asimd", cpu.ARM64.HasASIMD).
		Msg("CPU primitive executor ready")
	return &CPUExecutor{workers: workers, grain: defaultGrain}
}

// Workers returns the configured parallelism.
func (e *CPUExecutor) Workers() int {
	return e.workers
}

func (e *CPUExecutor) Execute(d *Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.Count == 0 {
		return nil
	}

	start := time.Now()
	kernel := e.kernel(d)

	grain := e.grain
	if grain <= 0 {
		grain = defaultGrain
	}
	chunks := min(e.workers, (d.Count+grain-1)/grain)
	if chunks <= 1 {
		kernel(0, d.Count)
	} else {
		per := (d.Count + chunks - 1) / chunks
		var wg sync.WaitGroup
		for lo := 0; lo < d.Count; lo += per {
			hi := min(lo+per, d.Count)
			wg.Add(1)
			go func() {
				defer wg.Done()
				kernel(lo, hi)
			}()
		}
		wg.Wait()
	}

	kind := d.Kind.String()
	elementsProcessed.WithLabelValues(kind).Add(float64(d.Count))
	executeDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	return nil
}

// kernel returns the loop body for a validated descriptor.
func (e *CPUExecutor) kernel(d *Descriptor) func(lo, hi int) {
	switch d.Kind {
	case KindConvertF32:
		dst := viewF32(d.Dst)
		if d.SrcType == tensor.BFloat16 {
			src := viewBF16(d.Src)
			return func(lo, hi int) {
				tensor.ConvertFromBFloat16(dst[lo:hi], src[lo:hi])
			}
		}
		src := viewF32(d.Src)
		return func(lo, hi int) {
			copy(dst[lo:hi], src[lo:hi])
		}

	case KindConvertBF16:
		dst := viewBF16(d.Dst)
		if d.SrcType == tensor.BFloat16 {
			src := viewBF16(d.Src)
			return func(lo, hi int) {
				copy(dst[lo:hi], src[lo:hi])
			}
		}
		src := viewF32(d.Src)
		return func(lo, hi int) {
			tensor.ConvertToBFloat16(dst[lo:hi], src[lo:hi])
		}

	case KindQuantizeS8:
		load := loader(d)
		dst := unsafe.Slice((*int8)(unsafe.Pointer(unsafe.SliceData(d.Dst))), d.Count)
		return func(lo, hi int) {
			for i := lo; i < hi; i++ {
				c := channelOf(d, i)
				dst[i] = int8(QuantizeValue(load(i), d.Scales[c], zeroPoint(d, c), d.QMin, d.QMax))
			}
		}

	case KindQuantizeU8:
		load := loader(d)
		dst := d.Dst
		return func(lo, hi int) {
			for i := lo; i < hi; i++ {
				c := channelOf(d, i)
				dst[i] = uint8(QuantizeValue(load(i), d.Scales[c], zeroPoint(d, c), d.QMin, d.QMax))
			}
		}

	case KindDequantize:
		dst := viewF32(d.Dst)
		if d.SrcType == tensor.Int8 {
			src := unsafe.Slice((*int8)(unsafe.Pointer(unsafe.SliceData(d.Src))), d.Count)
			return func(lo, hi int) {
				for i := lo; i < hi; i++ {
					c := channelOf(d, i)
					dst[i] = DequantizeValue(int32(src[i]), zeroPoint(d, c), d.Scales[c])
				}
			}
		}
		src := d.Src
		return func(lo, hi int) {
			for i := lo; i < hi; i++ {
				c := channelOf(d, i)
				dst[i] = DequantizeValue(int32(src[i]), zeroPoint(d, c), d.Scales[c])
			}
		}
	}
	panic("unreachable: descriptor kind validated")
}

func loader(d *Descriptor) func(i int) float32 {
	if d.SrcType == tensor.BFloat16 {
		src := viewBF16(d.Src)
		return func(i int) float32 { return src[i].Float32() }
	}
	src := viewF32(d.Src)
	return func(i int) float32 { return src[i] }
}

func channelOf(d *Descriptor, i int) int {
	if d.Channels == 1 {
		return 0
	}
	return (i / d.Inner) % d.Channels
}

func zeroPoint(d *Descriptor, c int) int32 {
	if len(d.ZeroPoints) == 0 {
		return 0
	}
	return d.ZeroPoints[c]
}

func viewF32(b []byte) []float32 {
	return unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/4)
}

func viewBF16(b []byte) []bfloat16.BFloat16 {
	return unsafe.Slice((*bfloat16.BFloat16)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/2)
}
