package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"audioinsight/config"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// stderrTail is how many trailing ffmpeg stderr lines are kept for error messages.
const stderrTail = 5

// Converter normalizes uploaded audio into the canonical encoding with ffmpeg.
type Converter struct {
	cfg     *config.Config
	workDir string
	args    []string
	log     logrus.FieldLogger
	ownsDir bool // workDir was created here and is removed by Close
}

func NewConverter(cfg *config.Config, log logrus.FieldLogger) (*Converter, error) {
	// Ensure ffmpeg binary is executable
	if _, err := exec.LookPath(cfg.FFBin); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
	}

	args, err := SplitCommand(cfg.FFArgs)
	if err != nil {
		return nil, err
	}
	if err := SanitizeAndValidateArgs(args); err != nil {
		return nil, fmt.Errorf("invalid FF_ARGS: %w", err)
	}

	// Uploads and converted files share one work directory.
	workDir, ownsDir := cfg.UploadDir, false
	if workDir == "" {
		ownsDir = true
		workDir, err = os.MkdirTemp("", "audioinsight_")
		if err != nil {
			return nil, fmt.Errorf("could not create temp directory: %w", err)
		}
		cfg.UploadDir = workDir
	} else if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create work directory: %w", err)
	}
	log.WithField("work_dir", workDir).Info("converter ready")

	return &Converter{
		cfg:     cfg,
		workDir: workDir,
		args:    args,
		log:     log.WithField("component", "converter"),
		ownsDir: ownsDir,
	}, nil
}

// Close removes the work directory if NewConverter created it. A configured
// directory is left alone.
func (c *Converter) Close() error {
	if !c.ownsDir {
		return nil
	}
	if err := os.RemoveAll(c.workDir); err != nil {
		return fmt.Errorf("could not remove work directory: %w", err)
	}
	c.log.WithField("work_dir", c.workDir).Debug("work directory removed")
	return nil
}

// Convert encodes inputPath into the configured output format and returns the
// path of the new file. onProgress receives the completed fraction in [0,1].
// The caller owns the returned file.
func (c *Converter) Convert(ctx context.Context, inputPath string, onProgress func(float64)) (string, error) {
	if err := c.checkResources(); err != nil {
		return "", fmt.Errorf("insufficient system resources: %w", err)
	}
	if onProgress == nil {
		onProgress = func(float64) {}
	}

	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	outputPath := filepath.Join(c.workDir, fmt.Sprintf("%s_normalized.%s", base, c.cfg.FFOutputExt))

	args := []string{"-hide_banner", "-nostdin", "-y", "-i", inputPath}
	args = append(args, c.args...)
	args = append(args, "-progress", "pipe:1", "-nostats", outputPath)

	cmd := exec.CommandContext(ctx, c.cfg.FFBin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", err
	}

	c.log.WithField("args", strings.Join(args, " ")).Debug("executing ffmpeg")
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("ffmpeg could not start: %w", err)
	}

	var duration atomic.Int64
	var tail []string
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tail = scanStderr(stderr, &duration)
	}()

	scanProgress(stdout, &duration, onProgress)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		// Clean up the (likely empty or partial) output file.
		os.Remove(outputPath)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if len(tail) > 0 {
			return "", fmt.Errorf("ffmpeg execution failed: %w: %s", err, strings.Join(tail, "; "))
		}
		return "", fmt.Errorf("ffmpeg execution failed: %w", err)
	}

	onProgress(1)
	return outputPath, nil
}

// scanStderr records the input duration and returns the last lines of output.
func scanStderr(r io.Reader, duration *atomic.Int64) []string {
	var tail []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if d, ok := ParseDuration(line); ok && duration.Load() == 0 {
			duration.Store(int64(d))
		}
		tail = append(tail, line)
		if len(tail) > stderrTail {
			tail = tail[1:]
		}
	}
	return tail
}

// scanProgress turns ffmpeg -progress key=value output into fractions.
func scanProgress(r io.Reader, duration *atomic.Int64, onProgress func(float64)) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if f, ok := ParseProgressLine(sc.Text(), time.Duration(duration.Load())); ok {
			onProgress(f)
		}
	}
}

// checkResources verifies that the system has enough free resources to start
// a conversion. A threshold of zero disables that check.
func (c *Converter) checkResources() error {
	if c.cfg.ThrottleCPU > 0 {
		p, err := cpu.Percent(time.Second, false)
		if err != nil {
			c.log.WithError(err).Warn("could not get CPU usage")
		} else if len(p) > 0 && p[0] > (100.0-c.cfg.ThrottleCPU) {
			return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], c.cfg.ThrottleCPU)
		}
	}

	if c.cfg.ThrottleFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			c.log.WithError(err).Warn("could not get memory usage")
		} else if vm.Available < uint64(c.cfg.ThrottleFreeMem) {
			return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, c.cfg.ThrottleFreeMem)
		}
	}

	if c.cfg.ThrottleFreeDisk > 0 {
		d, err := disk.Usage(c.workDir)
		if err != nil {
			c.log.WithError(err).WithField("work_dir", c.workDir).Warn("could not get disk usage")
		} else if d.Free < uint64(c.cfg.ThrottleFreeDisk) {
			return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, c.cfg.ThrottleFreeDisk)
		}
	}
	return nil
}
