package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"clip-orchestrator/internal/models"
)

// Exit codes the pipeline command uses to classify failures.
const (
	ExitValidation = 2  // input unusable (no audio, too short, private video)
	ExitQuota      = 69 // platform refused the upload for quota reasons
	ExitTransient  = 75 // temporary failure (EX_TEMPFAIL)
)

// CommandProcessor runs an external command that turns a source ref into a clip, then
// publishes the result. Arguments may contain {ref}, {id} and {out} placeholders; the
// same values are exported as CLIP_SOURCE_REF, CLIP_JOB_ID and CLIP_OUTPUT_DIR.
//
// The command must write clip.mp4 (or any single *.mp4) into the output directory and
// may write cover.jpg, cover.png or cover.webp for the thumbnail.
type CommandProcessor struct {
	argv      []string
	workDir   string
	publisher *Publisher
	logger    *log.Logger
}

func NewCommandProcessor(command, workDir string, publisher *Publisher, logger *log.Logger) (*CommandProcessor, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, errors.New("pipeline command is empty")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &CommandProcessor{argv: argv, workDir: workDir, publisher: publisher, logger: logger}, nil
}

func (c *CommandProcessor) Process(ctx context.Context, job models.Job) (string, error) {
	outDir, err := filepath.Abs(filepath.Join(c.workDir, job.ID))
	if err != nil {
		return "", models.Fatal(err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", models.Transient(fmt.Errorf("create work dir: %w", err))
	}
	defer os.RemoveAll(outDir)

	replacer := strings.NewReplacer("{ref}", job.SourceRef, "{id}", job.ID, "{out}", outDir)
	args := make([]string, len(c.argv)-1)
	for i, a := range c.argv[1:] {
		args[i] = replacer.Replace(a)
	}

	cmd := exec.CommandContext(ctx, c.argv[0], args...)
	cmd.Dir = outDir
	cmd.Env = append(os.Environ(),
		"CLIP_SOURCE_REF="+job.SourceRef,
		"CLIP_JOB_ID="+job.ID,
		"CLIP_OUTPUT_DIR="+outDir,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	c.logger.Printf("[pipeline] job %s: running %s", job.ID, c.argv[0])
	if err := cmd.Run(); err != nil {
		return "", classify(ctx, err, tail(stderr.String(), 400))
	}

	clip, cover, err := findOutputs(outDir)
	if err != nil {
		return "", err
	}
	pub, err := c.publisher.Publish(ctx, job.ID, clip, cover)
	if err != nil {
		return "", err
	}
	return pub.ClipRef, nil
}

func classify(ctx context.Context, err error, stderr string) error {
	if ctx.Err() != nil {
		return models.Transient(fmt.Errorf("pipeline interrupted: %w", ctx.Err()))
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return models.Fatal(fmt.Errorf("start pipeline: %w", err))
	}
	wrapped := fmt.Errorf("pipeline exited %d: %s", exitErr.ExitCode(), stderr)
	switch exitErr.ExitCode() {
	case ExitValidation:
		return models.Validation(wrapped)
	case ExitQuota:
		return models.Quota(wrapped)
	case ExitTransient:
		return models.Transient(wrapped)
	}
	return models.Fatal(wrapped)
}

func findOutputs(dir string) (clip, cover string, err error) {
	if p := filepath.Join(dir, "clip.mp4"); fileExists(p) {
		clip = p
	} else {
		matches, _ := filepath.Glob(filepath.Join(dir, "*.mp4"))
		if len(matches) != 1 {
			return "", "", models.Validationf("pipeline produced %d clips, want exactly one", len(matches))
		}
		clip = matches[0]
	}
	for _, name := range []string{"cover.jpg", "cover.png", "cover.webp"} {
		if p := filepath.Join(dir, name); fileExists(p) {
			cover = p
			break
		}
	}
	return clip, cover, nil
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
