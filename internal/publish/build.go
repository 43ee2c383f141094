package publish

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/sempervigil/sempervigil/internal/model"
)

const tailLimit = 64 << 10

// tailBuffer keeps the last tailLimit bytes written to it, so a noisy
// build cannot bloat the job result.
type tailBuffer struct {
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailLimit {
		t.buf = t.buf[len(t.buf)-tailLimit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

// BuildResult is the build_site job result.
type BuildResult struct {
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
}

// HandleBuildSite regenerates the JSON indexes and runs the static site
// builder as a child process. A non-zero exit fails the job with the
// output tails preserved in the error.
func (p *Publisher) HandleBuildSite(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := p.WriteIndexes(ctx); err != nil {
		return nil, err
	}

	args := []string{"-s", p.cfg.SiteDir, "--minify", "--gc", "--cleanDestinationDir"}
	if p.cfg.OutputDir != "" {
		args = append(args, "-d", p.cfg.OutputDir)
	}
	if p.cfg.CacheDir != "" {
		args = append(args, "--cacheDir", p.cfg.CacheDir)
	}

	var stdout, stderr tailBuffer
	cmd := exec.CommandContext(ctx, p.cfg.BuilderCmd, args...)
	cmd.Dir = p.cfg.SiteDir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := p.nowFn()
	err := cmd.Run()
	result := BuildResult{
		DurationMS: time.Since(start).Milliseconds(),
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, model.WrapErr(model.KindCanceled, ctx.Err(), "site build")
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return nil, model.Errf(model.KindPermanent,
				"site build exited %d: %s", result.ExitCode, tailOf(result.Stderr, 2048))
		}
		return nil, model.WrapErr(model.KindTransient, err, "site build")
	}

	if p.cfg.OutputDir != "" {
		if _, statErr := os.Stat(filepath.Join(p.cfg.OutputDir, "index.html")); statErr != nil {
			return nil, model.Errf(model.KindPermanent,
				"site build produced no index.html in %s", p.cfg.OutputDir)
		}
	}

	p.logger.Info("site built",
		zap.Int64("duration_ms", result.DurationMS),
		zap.String("builder", p.cfg.BuilderCmd))
	return result, nil
}

func tailOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
