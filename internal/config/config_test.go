package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cwbudde/siftcl/internal/compute"
	"github.com/cwbudde/siftcl/internal/device"
	"github.com/cwbudde/siftcl/internal/sift"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.DeviceSelection() != nil {
		t.Error("default config pins a device")
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if cfg.Pipeline.Params != sift.DefaultParams() {
		t.Errorf("params = %+v, want defaults", cfg.Pipeline.Params)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "siftcl.yaml")
	data := `
device:
  backend: opencl
  kind: gpu
  platform: 1
  device: 0
  kernelDir: /opt/siftcl/kernels
pipeline:
  maxWorkgroupSize: 64
  profile: true
  params:
    peakThresh: 2.5
store:
  dir: /var/lib/siftcl
server:
  addr: 127.0.0.1:9000
  shutdownTimeout: 3s
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ShutdownTimeout != 3*time.Second {
		t.Errorf("shutdownTimeout = %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Server.QueueSize != 16 {
		t.Errorf("queueSize = %d, want default 16", cfg.Server.QueueSize)
	}
	if cfg.Pipeline.Params.PeakThresh != 2.5 || cfg.Pipeline.Params.Scales != 3 {
		t.Errorf("params = %+v", cfg.Pipeline.Params)
	}

	sc := cfg.SiftConfig(sift.Shape{Width: 640, Height: 480, Channels: 1}, sift.Uint8)
	if sc.Backend != compute.BackendOpenCL || sc.DeviceKind != device.KindGPU {
		t.Errorf("backend %q kind %q", sc.Backend, sc.DeviceKind)
	}
	if sc.DeviceID == nil || *sc.DeviceID != (device.Selection{Platform: 1, Device: 0}) {
		t.Errorf("DeviceID = %v", sc.DeviceID)
	}
	if sc.MaxWorkgroupSize != 64 || !sc.Profile || sc.KernelDir != "/opt/siftcl/kernels" {
		t.Errorf("pipeline config = %+v", sc)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "pipeline:\n  octaves: 4\n", "octaves"},
		{"unknown backend", "device:\n  backend: vulkan\n", "unknown compute backend"},
		{"unknown kind", "device:\n  kind: fpga\n", "unknown device kind"},
		{"half selection", "device:\n  platform: 0\n", "set together"},
		{"bad params", "pipeline:\n  params:\n    scales: 0\n", "pipeline.params"},
		{"empty store", "store:\n  dir: \"\"\n", "store.dir"},
		{"queue size", "server:\n  queueSize: 0\n", "queueSize"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Store.Dir != "./data" {
		t.Errorf("store dir = %q", cfg.Store.Dir)
	}
}
