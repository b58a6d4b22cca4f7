// SPDX-License-Identifier: Apache-2.0

package executors

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/adiadia/workflow-core/internal/artifacts"
	"github.com/adiadia/workflow-core/internal/domain"
)

var ErrSourceMissing = errors.New("template source file not found")

// CommandConverter shells out to an office suite running headless, e.g.
//
//	soffice --headless --convert-to docx --outdir <dir> <source>
type CommandConverter struct {
	Command string
	Store   *artifacts.Store
}

func (c *CommandConverter) Convert(ctx context.Context, job domain.ConversionRecord, logf func(string)) (string, error) {
	src, dst, err := resolvePaths(c.Store, job)
	if err != nil {
		return "", err
	}

	format := outputFormat(job)
	outDir := filepath.Dir(dst)
	cmd := exec.CommandContext(ctx, c.Command, "--headless", "--convert-to", format, "--outdir", outDir, src)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	logf(fmt.Sprintf("Running %s --convert-to %s", filepath.Base(c.Command), format))
	runErr := cmd.Run()

	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			logf(line)
		}
	}

	if runErr != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%s: %w", filepath.Base(c.Command), runErr)
	}

	// The suite names its output after the source file.
	produced := filepath.Join(outDir, strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))+"."+format)
	if produced != dst {
		if err := os.Rename(produced, dst); err != nil {
			return "", fmt.Errorf("move converted file: %w", err)
		}
	}
	return job.OutputPath, nil
}

// CopyConverter copies the source unchanged. It serves sources that are
// already in the target format and local setups without an office suite.
type CopyConverter struct {
	Store *artifacts.Store
}

func (c *CopyConverter) Convert(ctx context.Context, job domain.ConversionRecord, logf func(string)) (string, error) {
	if c.Store == nil {
		return "", errors.New("no artifact store configured")
	}
	if !c.Store.Exists(job.SourcePath) {
		return "", fmt.Errorf("%w: %s", ErrSourceMissing, job.SourcePath)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	body, err := c.Store.ReadFile(job.SourcePath)
	if err != nil {
		return "", fmt.Errorf("read source: %w", err)
	}
	if err := c.Store.WriteFile(job.OutputPath, body); err != nil {
		return "", fmt.Errorf("write output: %w", err)
	}

	logf(fmt.Sprintf("Copied %d bytes to %s", len(body), job.OutputPath))
	return job.OutputPath, nil
}

func resolvePaths(store *artifacts.Store, job domain.ConversionRecord) (string, string, error) {
	if store == nil {
		return "", "", errors.New("no artifact store configured")
	}
	if !store.Exists(job.SourcePath) {
		return "", "", fmt.Errorf("%w: %s", ErrSourceMissing, job.SourcePath)
	}
	src, err := store.Resolve(job.SourcePath)
	if err != nil {
		return "", "", err
	}
	dst, err := store.EnsureDir(job.OutputPath)
	if err != nil {
		return "", "", err
	}
	return src, dst, nil
}

func outputFormat(job domain.ConversionRecord) string {
	if f := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(job.Settings.OutputFormat)), "."); f != "" {
		return f
	}
	if ext := strings.TrimPrefix(path.Ext(job.OutputPath), "."); ext != "" {
		return ext
	}
	return "docx"
}
