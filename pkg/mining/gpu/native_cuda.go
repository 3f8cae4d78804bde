//go:build cuda

package gpu

//#cgo LDFLAGS: -L${SRCDIR}/../../../cuda/build -lgpuminer_cuda -lcudart
//
// #include <stdint.h>
// #include <stddef.h>
//
// typedef struct {
//     char name[256];
//     size_t total_mem;
//     int major;
//     int minor;
//     int sm_count;
//     int clock_khz;
//     int pci_bus;
// } gm_props_t;
//
// extern int gm_device_count(int *count);
// extern int gm_device_props(int ordinal, gm_props_t *props);
// extern int gm_set_device(int ordinal, unsigned int schedule);
// extern int gm_mem_info(size_t *free_bytes, size_t *total_bytes);
// extern int gm_malloc(void **ptr, size_t size);
// extern int gm_free(void *ptr);
// extern int gm_memcpy_htod(void *dst, const void *src, size_t size);
// extern int gm_memcpy_dtoh(void *dst, const void *src, size_t size);
// extern int gm_host_alloc_mapped(void **ptr, size_t size);
// extern int gm_host_free(void *ptr);
// extern int gm_stream_create(void **stream);
// extern int gm_stream_query(void *stream);
// extern int gm_stream_sync(void *stream);
// extern int gm_stream_destroy(void *stream);
// extern int gm_generate_dag(void *dag, size_t dag_size, const void *light, size_t light_size,
//     unsigned int grid, unsigned int block);
// extern int gm_search(void *stream, void *results, const void *dag, size_t dag_size,
//     const void *header, uint64_t target, uint64_t start_nonce,
//     unsigned int grid, unsigned int block, unsigned int parallel_hash);
// extern const char *gm_error_string(int code);
import "C"

import (
	"fmt"
	"runtime"
	"unsafe"

	"gpuminer/pkg/mining/core"
)

// NativeAvailable reports whether this binary was built against the CUDA runtime.
const NativeAvailable = true

// cudaNotReady is cudaErrorNotReady: queued work is still running.
const cudaNotReady = 600

// DefaultRuntime returns the CUDA runtime.
func DefaultRuntime() Runtime { return CudaRuntime{} }

// CudaRuntime binds the CUDA runtime API through the gpuminer_cuda shim.
type CudaRuntime struct{}

func cudaError(code int, op string, errCode int) error {
	if code == 0 {
		return nil
	}
	msg := C.GoString(C.gm_error_string(C.int(code)))
	return core.NewError(errCode, op, fmt.Sprintf("cuda error %d: %s", code, msg))
}

func (CudaRuntime) Name() string { return "cuda" }

func (CudaRuntime) DeviceCount() (int, error) {
	var n C.int
	if rc := int(C.gm_device_count(&n)); rc != 0 {
		return 0, cudaError(rc, "device count", core.ErrCodeNoDevices)
	}
	return int(n), nil
}

func (CudaRuntime) DeviceProperties(ordinal int) (Properties, error) {
	var props C.gm_props_t
	if rc := int(C.gm_device_props(C.int(ordinal), &props)); rc != 0 {
		return Properties{}, cudaError(rc, "device properties", core.ErrCodeConfig)
	}
	return Properties{
		Ordinal:         ordinal,
		Name:            C.GoString(&props.name[0]),
		TotalMemory:     uint64(props.total_mem),
		ComputeMajor:    int(props.major),
		ComputeMinor:    int(props.minor),
		Multiprocessors: int(props.sm_count),
		ClockMHz:        int(props.clock_khz) / 1000,
		PCIBusID:        int(props.pci_bus),
	}, nil
}

// Open binds the calling OS thread to the device. Callers keep the device
// on a locked thread for its whole lifetime.
func (r CudaRuntime) Open(ordinal int, schedule ScheduleFlag) (Device, error) {
	props, err := r.DeviceProperties(ordinal)
	if err != nil {
		return nil, err
	}
	if rc := int(C.gm_set_device(C.int(ordinal), C.uint(schedule))); rc != 0 {
		return nil, cudaError(rc, "set device", core.ErrCodeResource)
	}
	return &cudaDevice{ordinal: ordinal, props: props, results: map[*SearchResults]unsafe.Pointer{}}, nil
}

type cudaDevice struct {
	ordinal int
	props   Properties
	results map[*SearchResults]unsafe.Pointer
}

func (d *cudaDevice) Ordinal() int { return d.ordinal }

func (d *cudaDevice) Properties() Properties { return d.props }

func (d *cudaDevice) FreeMemory() (uint64, error) {
	var free, total C.size_t
	if rc := int(C.gm_mem_info(&free, &total)); rc != 0 {
		return 0, cudaError(rc, "memory info", core.ErrCodeResource)
	}
	return uint64(free), nil
}

func (d *cudaDevice) MemAlloc(size uint64) (DevicePtr, error) {
	var p unsafe.Pointer
	if rc := int(C.gm_malloc(&p, C.size_t(size))); rc != 0 {
		return 0, cudaError(rc, "device allocation", core.ErrCodeOutOfMemory)
	}
	return DevicePtr(p), nil
}

func (d *cudaDevice) MemFree(p DevicePtr) error {
	return cudaError(int(C.gm_free(unsafe.Pointer(p))), "device free", core.ErrCodeResource)
}

func (d *cudaDevice) MemcpyHtoD(dst DevicePtr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	rc := int(C.gm_memcpy_htod(unsafe.Pointer(dst), unsafe.Pointer(&src[0]), C.size_t(len(src))))
	runtime.KeepAlive(src)
	return cudaError(rc, "host to device copy", core.ErrCodeResource)
}

func (d *cudaDevice) MemcpyDtoH(dst []byte, src DevicePtr) error {
	if len(dst) == 0 {
		return nil
	}
	rc := int(C.gm_memcpy_dtoh(unsafe.Pointer(&dst[0]), unsafe.Pointer(src), C.size_t(len(dst))))
	runtime.KeepAlive(dst)
	return cudaError(rc, "device to host copy", core.ErrCodeResource)
}

func (d *cudaDevice) GenerateDataset(dataset DevicePtr, datasetSize uint64, light DevicePtr, lightSize uint64, gridSize, blockSize uint) error {
	rc := int(C.gm_generate_dag(unsafe.Pointer(dataset), C.size_t(datasetSize),
		unsafe.Pointer(light), C.size_t(lightSize), C.uint(gridSize), C.uint(blockSize)))
	return cudaError(rc, "dataset generation", core.ErrCodeResource)
}

func (d *cudaDevice) NewStream() (Stream, error) {
	var s unsafe.Pointer
	if rc := int(C.gm_stream_create(&s)); rc != 0 {
		return nil, cudaError(rc, "stream create", core.ErrCodeResource)
	}
	return &cudaStream{handle: s, dev: d}, nil
}

// AllocResults returns a buffer in mapped pinned memory, written by the
// kernel and read by the host without an explicit copy.
func (d *cudaDevice) AllocResults() (*SearchResults, error) {
	var p unsafe.Pointer
	if rc := int(C.gm_host_alloc_mapped(&p, C.size_t(unsafe.Sizeof(SearchResults{})))); rc != 0 {
		return nil, cudaError(rc, "result buffer allocation", core.ErrCodeResource)
	}
	r := (*SearchResults)(p)
	r.Reset()
	d.results[r] = p
	return r, nil
}

func (d *cudaDevice) FreeResults(r *SearchResults) error {
	p, ok := d.results[r]
	if !ok {
		return nil
	}
	delete(d.results, r)
	return cudaError(int(C.gm_host_free(p)), "result buffer free", core.ErrCodeResource)
}

func (d *cudaDevice) Close() error { return nil }

type cudaStream struct {
	handle unsafe.Pointer
	dev    *cudaDevice
}

func (s *cudaStream) Launch(p KernelParams) error {
	rp, ok := s.dev.results[p.Results]
	if !ok {
		return core.NewError(core.ErrCodeTransient, "kernel launched without mapped result buffer")
	}
	header := p.Header
	rc := int(C.gm_search(s.handle, rp, unsafe.Pointer(p.Dataset), C.size_t(p.DatasetSize),
		unsafe.Pointer(&header[0]), C.uint64_t(p.Target), C.uint64_t(p.StartNonce),
		C.uint(p.GridSize), C.uint(p.BlockSize), C.uint(p.ParallelHash)))
	return cudaError(rc, "kernel launch", core.ErrCodeTransient)
}

func (s *cudaStream) Query() (bool, error) {
	switch rc := int(C.gm_stream_query(s.handle)); rc {
	case 0:
		return true, nil
	case cudaNotReady:
		return false, nil
	default:
		return true, cudaError(rc, "stream query", core.ErrCodeTransient)
	}
}

func (s *cudaStream) Synchronize() error {
	return cudaError(int(C.gm_stream_sync(s.handle)), "stream synchronize", core.ErrCodeTransient)
}

func (s *cudaStream) Destroy() error {
	return cudaError(int(C.gm_stream_destroy(s.handle)), "stream destroy", core.ErrCodeResource)
}
