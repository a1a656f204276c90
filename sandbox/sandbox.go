// Package sandbox runs untrusted script snippets inside Docker containers.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	LabelLanguage   = "parley.language"
	LabelManagedBy  = "parley.managed-by"
	containerPrefix = "parley-sandbox-"
	workDir         = "/sandbox"
)

// DefaultTimeout bounds a single Run call.
const DefaultTimeout = 30 * time.Second

// defaultImages maps a language name to the container image that runs it.
var defaultImages = map[string]string{
	"python":     "python:3.12-slim",
	"javascript": "node:20-slim",
	"node":       "node:20-slim",
	"shell":      "alpine:3.20",
	"bash":       "bash:5",
}

// Runner executes code snippets in per-language containers. Containers are
// created lazily on first use for a language and kept warm for reuse.
type Runner struct {
	client    *client.Client
	images    map[string]string
	timeout   time.Duration
	mu        sync.Mutex
	available bool
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithImage overrides the container image for a language.
func WithImage(lang, img string) RunnerOption {
	return func(r *Runner) {
		r.images[strings.ToLower(lang)] = img
	}
}

// WithTimeout sets the per-execution deadline.
func WithTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.timeout = d
	}
}

// NewRunner creates a sandbox runner. If no Docker daemon can be reached the
// runner is still returned with available=false and Run reports an error.
func NewRunner(opts ...RunnerOption) (*Runner, error) {
	r := &Runner{
		images:  make(map[string]string),
		timeout: DefaultTimeout,
	}
	for lang, img := range defaultImages {
		r.images[lang] = img
	}

	for _, opt := range opts {
		opt(r)
	}

	cli, err := createDockerClient()
	if err != nil {
		return r, nil
	}

	r.client = cli
	r.available = true
	return r, nil
}

// createDockerClient creates a Docker client, trying multiple socket locations
// for compatibility with Docker Desktop on macOS.
func createDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := cli.Ping(ctx); err == nil {
			return cli, nil
		}
		cli.Close()
	}

	socketPaths := []string{
		"unix://" + os.Getenv("HOME") + "/.docker/run/docker.sock", // Docker Desktop macOS
		"unix:///var/run/docker.sock",                              // Linux default
		"unix://" + os.Getenv("HOME") + "/.colima/docker.sock",     // Colima
	}

	for _, socketPath := range socketPaths {
		cli, err := client.NewClientWithOpts(
			client.WithHost(socketPath),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err = cli.Ping(ctx)
		cancel()

		if err == nil {
			return cli, nil
		}
		cli.Close()
	}

	return nil, fmt.Errorf("could not connect to Docker daemon")
}

// IsAvailable returns whether Docker is available.
func (r *Runner) IsAvailable() bool {
	return r.available
}

// execCommand returns the command that runs a code snippet for a language.
func execCommand(lang, code string) ([]string, error) {
	switch strings.ToLower(lang) {
	case "python":
		return []string{"python3", "-c", code}, nil
	case "javascript", "node":
		return []string{"node", "-e", code}, nil
	case "shell", "bash":
		return []string{"sh", "-c", code}, nil
	default:
		return nil, fmt.Errorf("unsupported language: %s", lang)
	}
}

// Run executes a code snippet and returns its combined output. A non-zero
// exit code is an error carrying the stderr text.
func (r *Runner) Run(ctx context.Context, lang, code string) (string, error) {
	if !r.available {
		return "", fmt.Errorf("docker not available")
	}

	cmd, err := execCommand(lang, code)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	containerID, err := r.ensureContainer(ctx, strings.ToLower(lang))
	if err != nil {
		return "", err
	}

	execCfg := container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workDir,
		AttachStdout: true,
		AttachStderr: true,
	}

	execResp, err := r.client.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return "", fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := r.client.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attachResp.Close()

	var stdout, stderr strings.Builder
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader); err != nil {
		return "", fmt.Errorf("failed to read output: %w", err)
	}

	inspectResp, err := r.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect exec: %w", err)
	}

	if inspectResp.ExitCode != 0 {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return "", fmt.Errorf("exit code %d: %s", inspectResp.ExitCode, msg)
	}

	out := stdout.String()
	if s := stderr.String(); s != "" {
		out += s
	}
	return strings.TrimRight(out, "\n"), nil
}

// ensureContainer returns a running container for the language, creating and
// starting one if needed.
func (r *Runner) ensureContainer(ctx context.Context, lang string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	img, ok := r.images[lang]
	if !ok {
		return "", fmt.Errorf("unsupported language: %s", lang)
	}

	containerName := containerPrefix + lang

	existing, err := r.getContainer(ctx, containerName)
	if err == nil && existing != "" {
		inspect, err := r.client.ContainerInspect(ctx, existing)
		if err == nil {
			if inspect.State.Running {
				return existing, nil
			}
			if err := r.client.ContainerStart(ctx, existing, container.StartOptions{}); err != nil {
				return "", fmt.Errorf("failed to start existing container: %w", err)
			}
			return existing, nil
		}
	}

	if err := r.ensureImage(ctx, img); err != nil {
		return "", fmt.Errorf("failed to pull image: %w", err)
	}

	containerCfg := &container.Config{
		Image:      img,
		WorkingDir: workDir,
		Labels: map[string]string{
			LabelLanguage:  lang,
			LabelManagedBy: "parley",
		},
		NetworkDisabled: true,
		Cmd:             []string{"tail", "-f", "/dev/null"}, // Keep container running
		User:            "1000:1000",
	}

	hostCfg := &container.HostConfig{
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{workDir: "size=16m"},
		Resources: container.Resources{
			Memory:   256 << 20,
			NanoCPUs: 1_000_000_000,
		},
	}

	resp, err := r.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, containerName)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	return resp.ID, nil
}

// getContainer finds a container by name.
func (r *Runner) getContainer(ctx context.Context, name string) (string, error) {
	containers, err := r.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("name", name),
		),
	})
	if err != nil {
		return "", err
	}

	for _, c := range containers {
		for _, n := range c.Names {
			if n == "/"+name {
				return c.ID, nil
			}
		}
	}

	return "", fmt.Errorf("container not found: %s", name)
}

// ensureImage pulls an image if not present locally.
func (r *Runner) ensureImage(ctx context.Context, imageName string) error {
	_, _, err := r.client.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := r.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// Shutdown stops all sandbox containers and closes the client.
func (r *Runner) Shutdown(ctx context.Context) error {
	if !r.available {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	containers, err := r.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManagedBy+"=parley"),
		),
	})
	if err == nil {
		timeout := 5
		for _, c := range containers {
			_ = r.client.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout})
		}
	}

	return r.client.Close()
}
