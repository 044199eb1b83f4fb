// Package extractor turns PDF files into per-page text by shelling out to
// poppler's pdftotext.
package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrPDFToolNotFound is returned when pdftotext is not installed.
var ErrPDFToolNotFound = errors.New("pdftotext not found in PATH")

// CommandRunner runs an external command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil && stderr.Len() > 0 {
		return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out, err
}

// PDFExtractor extracts page texts with pdftotext. Pages in pdftotext output
// are separated by form feeds.
type PDFExtractor struct {
	binary  string
	timeout time.Duration
	runner  CommandRunner
}

func New(binary string, timeout time.Duration) *PDFExtractor {
	return NewWithRunner(binary, timeout, execRunner{})
}

// NewWithRunner creates an extractor with a custom runner, for tests.
func NewWithRunner(binary string, timeout time.Duration, runner CommandRunner) *PDFExtractor {
	if binary == "" {
		binary = "pdftotext"
	}
	return &PDFExtractor{binary: binary, timeout: timeout, runner: runner}
}

// CheckAvailable reports ErrPDFToolNotFound if the binary cannot be resolved.
func (x *PDFExtractor) CheckAvailable() error {
	if _, err := exec.LookPath(x.binary); err != nil {
		return fmt.Errorf("%w: %s", ErrPDFToolNotFound, x.binary)
	}
	return nil
}

func (x *PDFExtractor) ExtractPages(ctx context.Context, path string) ([]string, error) {
	if x.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.timeout)
		defer cancel()
	}

	out, err := x.runner.Run(ctx, x.binary, "-enc", "UTF-8", path, "-")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPDFToolNotFound, x.binary)
		}
		return nil, fmt.Errorf("pdftotext failed: %w", err)
	}

	return splitPages(string(out)), nil
}

// splitPages splits on form feeds. pdftotext terminates every page with one,
// so the trailing empty segment is dropped.
func splitPages(out string) []string {
	if out == "" {
		return nil
	}
	pages := strings.Split(out, "\f")
	if len(pages) > 1 && strings.TrimSpace(pages[len(pages)-1]) == "" {
		pages = pages[:len(pages)-1]
	}
	return pages
}

// InstallInstructions returns a hint for installing pdftotext.
func InstallInstructions() string {
	return `pdftotext is required for PDF uploads.
  macOS:  brew install poppler
  Debian: apt install poppler-utils`
}
