package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path"
	"strings"
	"time"

	"github.com/haasonsaas/spectra/internal/artifacts"
)

// Runtime provisions isolated execution environments.
type Runtime interface {
	Provision(ctx context.Context) (Environment, error)
}

// Environment is one isolated interpreter with a private working directory.
// Environments are never reused across tool calls.
type Environment interface {
	WriteFile(ctx context.Context, name string, data []byte) error
	RunCode(ctx context.Context, code string) (*ExecutionOutcome, error)
	ReadFile(ctx context.Context, name string) ([]byte, error)
	Close() error
}

// CommandRunner runs one docker CLI invocation.
type CommandRunner interface {
	Run(ctx context.Context, stdin io.Reader, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct {
	binary string
}

func (r execRunner) Run(ctx context.Context, stdin io.Reader, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// DockerConfig configures DockerRuntime.
type DockerConfig struct {
	Binary  string
	Image   string
	Network string
	CPUs    string
	Memory  string
}

// DockerRuntime runs code in throwaway containers through the docker CLI.
type DockerRuntime struct {
	config DockerConfig
	runner CommandRunner
	logger *slog.Logger
}

// NewDockerRuntime creates a runtime. A nil runner shells out to the
// configured docker binary.
func NewDockerRuntime(cfg DockerConfig, runner CommandRunner, logger *slog.Logger) *DockerRuntime {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.Image == "" {
		cfg.Image = "spectra-sandbox:latest"
	}
	if cfg.Network == "" {
		cfg.Network = "none"
	}
	if runner == nil {
		runner = execRunner{binary: cfg.Binary}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerRuntime{config: cfg, runner: runner, logger: logger.With("component", "sandbox")}
}

// Provision creates a stopped container and installs the harness.
func (d *DockerRuntime) Provision(ctx context.Context) (Environment, error) {
	args := []string{"create", "--network", d.config.Network}
	if d.config.CPUs != "" {
		args = append(args, "--cpus", d.config.CPUs)
	}
	if d.config.Memory != "" {
		args = append(args, "--memory", d.config.Memory, "--memory-swap", d.config.Memory)
	}
	args = append(args,
		"--pids-limit", "100",
		"--ulimit", "nofile=1024:1024",
		"-w", workspaceDir,
		d.config.Image,
		"python", path.Join(workspaceDir, harnessFileName),
	)

	stdout, stderr, err := d.runner.Run(ctx, nil, args...)
	if err != nil {
		return nil, commandError("docker create", err, stderr)
	}
	id := strings.TrimSpace(string(stdout))
	if id == "" {
		return nil, errors.New("docker create returned empty container id")
	}

	env := &dockerEnvironment{id: id, runner: d.runner, logger: d.logger}
	if err := env.WriteFile(ctx, harnessFileName, harnessScript); err != nil {
		env.Close()
		return nil, err
	}
	d.logger.Debug("container provisioned", "container", shortID(id))
	return env, nil
}

type dockerEnvironment struct {
	id     string
	runner CommandRunner
	logger *slog.Logger
	ran    bool
}

// WriteFile streams a one-entry tar archive into the workspace.
func (e *dockerEnvironment) WriteFile(ctx context.Context, name string, data []byte) error {
	name, err := cleanName(name)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()
	dir := strings.TrimPrefix(workspaceDir, "/")
	if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: dir + "/", Mode: 0o777, ModTime: now}); err != nil {
		return fmt.Errorf("archive %s: %w", name, err)
	}
	if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: dir + "/" + name, Mode: 0o644, Size: int64(len(data)), ModTime: now}); err != nil {
		return fmt.Errorf("archive %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("archive %s: %w", name, err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("archive %s: %w", name, err)
	}

	_, stderr, err := e.runner.Run(ctx, &buf, "cp", "-", e.id+":/")
	if err != nil {
		return commandError("docker cp "+name, err, stderr)
	}
	return nil
}

// RunCode writes code as main.py and starts the container attached.
func (e *dockerEnvironment) RunCode(ctx context.Context, code string) (*ExecutionOutcome, error) {
	if e.ran {
		return nil, errors.New("environment already used")
	}
	if err := e.WriteFile(ctx, codeFileName, []byte(code)); err != nil {
		return nil, err
	}
	e.ran = true

	stdout, stderr, err := e.runner.Run(ctx, nil, "start", "-a", e.id)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("execution interrupted: %w", ctxErr)
	}
	outcome, parseErr := parseOutcome(string(stdout))
	if parseErr != nil {
		if err != nil {
			return nil, commandError("docker start", err, stderr)
		}
		return nil, parseErr
	}
	return outcome, nil
}

// ReadFile copies one workspace file out of the container.
func (e *dockerEnvironment) ReadFile(ctx context.Context, name string) ([]byte, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	stdout, stderr, err := e.runner.Run(ctx, nil, "cp", e.id+":"+path.Join(workspaceDir, name), "-")
	if err != nil {
		return nil, commandError("docker cp "+name, err, stderr)
	}

	tr := tar.NewReader(bytes.NewReader(stdout))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s not found in archive", name)
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || path.Base(hdr.Name) != name {
			continue
		}
		if hdr.Size > artifacts.MaxExportBytes {
			return nil, fmt.Errorf("%s exceeds %d bytes", name, artifacts.MaxExportBytes)
		}
		return io.ReadAll(io.LimitReader(tr, artifacts.MaxExportBytes))
	}
}

// Close removes the container.
func (e *dockerEnvironment) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, stderr, err := e.runner.Run(ctx, nil, "rm", "-f", e.id)
	if err != nil {
		e.logger.Warn("container cleanup failed", "container", shortID(e.id), "error", err)
		return commandError("docker rm", err, stderr)
	}
	return nil
}

func cleanName(name string) (string, error) {
	clean := path.Base(strings.TrimSpace(name))
	if clean == "." || clean == "/" || clean == "" {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return clean, nil
}

func commandError(op string, err error, stderr []byte) error {
	msg := strings.TrimSpace(string(stderr))
	if msg == "" {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %s", op, err, truncate(msg, 512))
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
