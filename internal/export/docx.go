package export

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// PandocDOCX converts HTML to DOCX by piping it through pandoc.
type PandocDOCX struct {
	path string
}

func NewPandocDOCX(path string) *PandocDOCX {
	if path == "" {
		path = "pandoc"
	}
	return &PandocDOCX{path: path}
}

func (p *PandocDOCX) Render(ctx context.Context, html string) ([]byte, error) {
	if _, err := exec.LookPath(p.path); err != nil {
		return nil, fmt.Errorf("%w: pandoc not installed", ErrDOCXDependencyMissing)
	}

	cmd := exec.CommandContext(ctx, p.path,
		"-f", "html",
		"-t", "docx",
		"--standalone",
		"-o", "-",
	)
	cmd.Stdin = strings.NewReader(html)

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("pandoc failed: %s", string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("pandoc execution failed: %w", err)
	}
	return output, nil
}
