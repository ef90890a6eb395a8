package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"frame2img/media"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// maxStderr bounds how much decoder stderr is kept for error messages.
const maxStderr = 8 << 10

// output runs bin and returns stdout and stderr separately.
func output(ctx context.Context, bin string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// tailBuffer keeps the last maxStderr bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= maxStderr {
		t.buf.Reset()
		t.buf.Write(p[n-maxStderr:])
		return n, nil
	}
	if over := t.buf.Len() + n - maxStderr; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string { return string(bytes.TrimSpace(t.buf.Bytes())) }

// Thresholds gate the start of an extraction. Zero values disable a check.
type Thresholds struct {
	MinFreeDisk int64
	MinFreeMem  int64
	// IdleCPU is the idle CPU percentage that must be available.
	IdleCPU float64
}

// CheckResources verifies that the system has enough free resources to start
// writing frames under dir. A disk shortage is reported as a DiskFull write error.
func CheckResources(dir string, t Thresholds, log *zap.Logger) error {
	if t.IdleCPU > 0 {
		p, err := cpu.Percent(time.Second, false)
		if err != nil {
			log.Warn("could not get CPU usage", zap.Error(err))
		} else if len(p) > 0 && p[0] > (100.0-t.IdleCPU) {
			return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], t.IdleCPU)
		}
	}

	if t.MinFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			log.Warn("could not get memory usage", zap.Error(err))
		} else if vm.Available < uint64(t.MinFreeMem) {
			return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, t.MinFreeMem)
		}
	}

	if t.MinFreeDisk > 0 {
		target := existingParent(dir)
		d, err := disk.Usage(target)
		if err != nil {
			log.Warn("could not get disk usage", zap.String("dir", target), zap.Error(err))
		} else if d.Free < uint64(t.MinFreeDisk) {
			return &media.WriteError{
				Reason: media.WriteDiskFull,
				Path:   dir,
				Frame:  -1,
				Err:    fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, t.MinFreeDisk),
			}
		}
	}
	return nil
}

// existingParent walks up from dir until it finds a path that exists.
func existingParent(dir string) string {
	p := filepath.Clean(dir)
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}
