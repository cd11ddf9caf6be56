// Package renderer drives the local diagram rendering toolchain as a
// sandboxed child process. One process per job: the generated source goes in
// on stdin, a single JSON status object comes back on stdout.
package renderer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"log/slog"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/cloudsketch/diagen/internal/adapter/observability"
	"github.com/cloudsketch/diagen/internal/config"
	"github.com/cloudsketch/diagen/internal/domain"
)

// Process implements domain.Renderer by spawning the configured renderer
// command once per job.
type Process struct {
	cfg config.Config
}

// NewProcess constructs a Process renderer.
func NewProcess(cfg config.Config) *Process {
	return &Process{cfg: cfg}
}

// status is the renderer's stdout contract: exactly one JSON object.
type status struct {
	Status           string `json:"status"`
	Message          string `json:"message"`
	RasterBase64     string `json:"raster_base64"`
	VectorSource     string `json:"vector_source"`
	ExchangeDocument string `json:"exchange_document"`
}

// Render spawns the renderer with the job's parameters, feeds it the
// generated source on stdin, and decodes the status object. Render failures
// are terminal for the attempt: the caller decides whether a fresh
// generation warrants another try.
func (p *Process) Render(ctx context.Context, in domain.RenderInput) (domain.RenderOutput, error) {
	argv := p.cfg.RendererArgv()
	if len(argv) == 0 {
		return domain.RenderOutput{}, fmt.Errorf("op=renderer.render: %w: renderer command not configured", domain.ErrInternal)
	}

	workDir, cleanup, err := p.makeWorkDir(in.RequestID)
	if err != nil {
		return domain.RenderOutput{}, err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.RenderTimeout)
	defer cancel()

	args := append(argv[1:],
		"--style", in.Style,
		"--quality", in.Quality,
		"--request-id", in.RequestID,
		"--output-format", in.OutputFormat,
	)
	cmd := exec.CommandContext(ctx, argv[0], args...)
	// Grandchildren can outlive the killed shell and hold the stdout pipe
	// open; WaitDelay bounds how long we wait for them.
	cmd.WaitDelay = time.Second
	cmd.Dir = workDir
	// Minimal environment: the child sees a bounded PATH and its scratch
	// directory, nothing from the broker's process env.
	cmd.Env = []string{
		"PATH=" + p.cfg.RendererPath,
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
	}
	cmd.Stdin = bytes.NewReader([]byte(in.Source))

	var stdout boundedBuffer
	stdout.max = p.cfg.RenderOutputMax
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	observability.RenderDuration.Observe(time.Since(start).Seconds())

	if ctx.Err() == context.DeadlineExceeded {
		return domain.RenderOutput{}, fmt.Errorf("op=renderer.render: %w: render exceeded %s", domain.ErrUpstreamTimeout, p.cfg.RenderTimeout)
	}
	if stdout.truncated {
		return domain.RenderOutput{}, fmt.Errorf("op=renderer.render: %w: output exceeded %d bytes", domain.ErrRenderFailed, p.cfg.RenderOutputMax)
	}
	if runErr != nil {
		slog.Warn("renderer process failed",
			slog.String("request_id", in.RequestID),
			slog.String("stderr", truncate(stderr.String(), 512)),
			slog.Any("error", runErr))
		return domain.RenderOutput{}, fmt.Errorf("op=renderer.render: %w: %s", domain.ErrRenderFailed, firstLine(stderr.String(), runErr))
	}

	var st status
	if err := json.Unmarshal(stdout.buf.Bytes(), &st); err != nil {
		return domain.RenderOutput{}, fmt.Errorf("op=renderer.render: %w: malformed status object: %v", domain.ErrRenderFailed, err)
	}
	if st.Status != "success" {
		return domain.RenderOutput{}, fmt.Errorf("op=renderer.render: %w: %s", domain.ErrRenderFailed, st.Message)
	}
	if st.RasterBase64 == "" {
		return domain.RenderOutput{}, fmt.Errorf("op=renderer.render: %w: success status without raster", domain.ErrRenderFailed)
	}

	raster, err := base64.StdEncoding.DecodeString(st.RasterBase64)
	if err != nil {
		return domain.RenderOutput{}, fmt.Errorf("op=renderer.render: %w: raster not base64: %v", domain.ErrRenderFailed, err)
	}

	out := domain.RenderOutput{
		Raster:      raster,
		RasterMIME:  mimetype.Detect(raster).String(),
		Source:      st.VectorSource,
		ExchangeXML: st.ExchangeDocument,
	}
	if out.Source == "" {
		out.Source = in.Source
	}
	return out, nil
}

// makeWorkDir creates a per-job scratch directory that is removed after the
// render finishes, whatever the outcome.
func (p *Process) makeWorkDir(requestID string) (string, func(), error) {
	root := p.cfg.RendererWorkRoot
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, "diagen-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", nil, fmt.Errorf("op=renderer.workdir: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("failed to remove render workdir",
				slog.String("request_id", requestID),
				slog.String("dir", dir), slog.Any("error", err))
		}
	}
	return dir, cleanup, nil
}

// boundedBuffer caps renderer stdout. Exceeding the cap fails the render
// instead of buffering unbounded output.
type boundedBuffer struct {
	buf       bytes.Buffer
	max       int64
	truncated bool
}

var errOutputTooLarge = errors.New("renderer output too large")

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if int64(b.buf.Len())+int64(len(p)) > b.max {
		b.truncated = true
		return 0, errOutputTooLarge
	}
	return b.buf.Write(p)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// firstLine picks the most useful failure message: the renderer's first
// stderr line if present, the exec error otherwise.
func firstLine(stderr string, runErr error) string {
	for _, line := range bytes.Split([]byte(stderr), []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			return truncate(string(bytes.TrimSpace(line)), 256)
		}
	}
	return runErr.Error()
}
