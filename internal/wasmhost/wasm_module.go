package wasmhost

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fleetward/coordinator/internal/schema"
	"github.com/fleetward/coordinator/internal/shared"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// wasmABIVersion is the guest contract a hot-reloaded module must
// declare: three exported functions -- alloc(size) ptr, fleet_setup()
// bool, and fleet_handle(ptr, len) (ptr<<32 | len) -- the WASM
// realization of the spec's "stable plugin ABI" design note (§9),
// playing the role tinygo-compiled skill binaries play for the teacher.
const wasmABIVersion = "v1"

// wasmDescriptorFile describes one hot-reloadable module on disk: a
// sidecar JSON file (<name>.json) next to the compiled binary
// (<name>.wasm) carrying the module's schema.ModuleDescriptor plus the
// ABI version it was built against.
type wasmDescriptorFile struct {
	ABIVersion string                  `json:"abi_version"`
	Descriptor schema.ModuleDescriptor `json:"descriptor"`
}

// wasmWorker adapts a compiled WASM module to modules.Worker by calling
// its exported alloc/fleet_setup/fleet_handle functions and shuttling
// JSON payloads through guest linear memory, the same ptr/len
// convention the teacher's host functions use (internal/sandbox/wasm).
type wasmWorker struct {
	descriptor schema.ModuleDescriptor
	module     api.Module
}

func loadWASMWorker(ctx context.Context, runtime wazero.Runtime, wasmPath string) (*wasmWorker, error) {
	descPath := strings.TrimSuffix(wasmPath, filepath.Ext(wasmPath)) + ".json"
	descBytes, err := os.ReadFile(descPath)
	if err != nil {
		return nil, fmt.Errorf("read module descriptor %s: %w", descPath, err)
	}
	var df wasmDescriptorFile
	if err := json.Unmarshal(descBytes, &df); err != nil {
		return nil, fmt.Errorf("parse module descriptor %s: %w", descPath, err)
	}
	if df.ABIVersion != wasmABIVersion {
		return nil, fmt.Errorf("module %s: ABI mismatch: got %q want %q", wasmPath, df.ABIVersion, wasmABIVersion)
	}
	if err := df.Descriptor.Validate(); err != nil {
		return nil, fmt.Errorf("module %s: %w", wasmPath, err)
	}

	wasmBytes, err := os.ReadFile(wasmPath)
	if err != nil {
		return nil, fmt.Errorf("read wasm binary %s: %w", wasmPath, err)
	}
	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile wasm module %s: %w", wasmPath, err)
	}
	name := strings.TrimSuffix(filepath.Base(wasmPath), filepath.Ext(wasmPath))
	module, err := runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return nil, fmt.Errorf("instantiate wasm module %s: %w", wasmPath, err)
	}

	return &wasmWorker{descriptor: df.Descriptor, module: module}, nil
}

func (w *wasmWorker) Descriptor() schema.ModuleDescriptor { return w.descriptor }

func (w *wasmWorker) Setup(ctx context.Context) (bool, error) {
	fn := w.module.ExportedFunction("fleet_setup")
	if fn == nil {
		return true, nil
	}
	results, err := fn.Call(ctx)
	if err != nil {
		return false, fmt.Errorf("module %s: fleet_setup: %w", w.descriptor.Name, err)
	}
	if len(results) == 0 {
		return true, nil
	}
	return results[0] != 0, nil
}

func (w *wasmWorker) Handle(ctx context.Context, mc *shared.ModuleContext, payload []byte) ([]byte, error) {
	allocFn := w.module.ExportedFunction("alloc")
	handleFn := w.module.ExportedFunction("fleet_handle")
	if allocFn == nil || handleFn == nil {
		return nil, fmt.Errorf("module %s: missing alloc/fleet_handle export", w.descriptor.Name)
	}

	results, err := allocFn.Call(ctx, uint64(len(payload)))
	if err != nil || len(results) == 0 {
		return nil, fmt.Errorf("module %s: alloc failed: %w", w.descriptor.Name, err)
	}
	ptr := uint32(results[0])
	mem := w.module.Memory()
	if mem == nil || !mem.Write(ptr, payload) {
		return nil, fmt.Errorf("module %s: failed writing payload to guest memory", w.descriptor.Name)
	}

	packed, err := handleFn.Call(ctx, uint64(ptr), uint64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("module %s: fleet_handle: %w", w.descriptor.Name, err)
	}
	if len(packed) == 0 {
		return nil, nil
	}
	resultPtr := uint32(packed[0] >> 32)
	resultLen := uint32(packed[0])
	if resultLen == 0 {
		return nil, nil
	}
	data, ok := mem.Read(resultPtr, resultLen)
	if !ok {
		return nil, fmt.Errorf("module %s: failed reading result from guest memory", w.descriptor.Name)
	}
	return append([]byte(nil), data...), nil
}

func (w *wasmWorker) close(ctx context.Context) error {
	return w.module.Close(ctx)
}
