// Package container drives the docker CLI to manage NapCat side-cars
// and other managed containers for bots.
package container

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nbot-io/nbot/internal/config"
	"github.com/nbot-io/nbot/internal/observability"
	"github.com/nbot-io/nbot/pkg/models"
)

// commandTimeout bounds each docker CLI invocation.
const commandTimeout = 60 * time.Second

// DefaultNetwork is the bridge network every managed container joins.
const DefaultNetwork = "nbot_default"

// Kind labels classify managed containers for reconciliation.
const (
	KindNapCat   = "napcat"
	KindDatabase = "database"
	KindTool     = "tool"
	KindInfra    = "infra"
)

// Port publication can lag container start by a beat, so lookups poll.
const (
	portPollAttempts = 20
	portPollInterval = 50 * time.Millisecond
)

// execCommand runs the docker binary. Swapped out in tests.
type execCommand func(ctx context.Context, binary string, args ...string) (string, error)

func runDocker(ctx context.Context, binary string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, binary, args...).CombinedOutput()
	return string(out), err
}

// Client shells out to the docker binary. Everything is best-effort
// text parsing; docker's JSON output is not stable enough across the
// versions deployments actually run.
type Client struct {
	binary string
	image  string
	logger *observability.Logger
	exec   execCommand
}

// NewClient creates a docker client from config.
func NewClient(cfg config.DockerConfig, logger *observability.Logger) *Client {
	return &Client{binary: cfg.Binary, image: cfg.Image, logger: logger, exec: runDocker}
}

// ContainerName derives the side-car container name for a bot.
func ContainerName(botID string) string {
	return "nbot-" + botID
}

// DataVolumeName derives the per-bot NapCat data volume name.
func DataVolumeName(botID string) string {
	return "nbot-" + botID + "-data"
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	out, err := c.exec(ctx, c.binary, args...)
	if err != nil {
		return out, fmt.Errorf("docker %s: %w: %s",
			strings.Join(args[:min(2, len(args))], " "), err, strings.TrimSpace(out))
	}
	return out, nil
}

// Available reports whether the docker daemon answers.
func (c *Client) Available(ctx context.Context) bool {
	_, err := c.run(ctx, "version", "--format", "{{.Server.Version}}")
	return err == nil
}

// EnsureNetwork creates the named bridge network if it does not exist.
func (c *Client) EnsureNetwork(ctx context.Context, name string) error {
	if _, err := c.run(ctx, "network", "inspect", name); err == nil {
		return nil
	}
	_, err := c.run(ctx, "network", "create", name)
	if err != nil && strings.Contains(err.Error(), "already exists") {
		return nil
	}
	return err
}

// EnsureVolume creates the named volume if needed and reports whether
// it already existed.
func (c *Client) EnsureVolume(ctx context.Context, name string) (bool, error) {
	if _, err := c.run(ctx, "volume", "inspect", name); err == nil {
		return true, nil
	}
	if _, err := c.run(ctx, "volume", "create", name); err != nil {
		return false, err
	}
	return false, nil
}

// VolumeRemove deletes a volume and the data it holds.
func (c *Client) VolumeRemove(ctx context.Context, name string) error {
	_, err := c.run(ctx, "volume", "rm", name)
	return err
}

// ImageSize returns the local size of an image in bytes. ok is false
// when the image is not present locally.
func (c *Client) ImageSize(ctx context.Context, image string) (int64, bool) {
	out, err := c.run(ctx, "image", "inspect", "--format", "{{.Size}}", image)
	if err != nil {
		return 0, false
	}
	size, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, false
	}
	return size, true
}

// registryHost extracts the registry an image reference points at.
func registryHost(image string) string {
	first, _, _ := strings.Cut(image, "/")
	if strings.ContainsAny(first, ".:") || first == "localhost" {
		return first
	}
	return "docker.io"
}

// Pull fetches an image, separating credential problems from transport
// ones so the operator knows whether to fix a login or a network.
func (c *Client) Pull(ctx context.Context, image string) error {
	out, err := c.run(ctx, "pull", image)
	if err == nil {
		return nil
	}
	host := registryHost(image)
	combined := strings.ToLower(out + " " + err.Error())
	if strings.Contains(combined, "unauthorized") ||
		strings.Contains(combined, "authentication required") ||
		strings.Contains(combined, "denied") {
		return fmt.Errorf("pull %s: registry %s rejected the credentials, run docker login %s: %w",
			image, host, host, err)
	}
	return fmt.Errorf("pull %s: registry %s unreachable: %w", image, host, err)
}

// PortMap publishes a container port on the host.
type PortMap struct {
	Host      int
	Container int
}

// Mount attaches a named volume inside the container.
type Mount struct {
	Volume string
	Path   string
}

// RunSpec describes a managed container. Every container carries the
// nbot.managed label plus its kind and owning bot so reconciliation can
// tell ours apart from everything else on the host.
type RunSpec struct {
	Name    string
	Image   string
	Kind    string
	BotID   string
	Env     map[string]string
	Ports   []PortMap
	Mounts  []Mount
	Restart string
}

func (spec RunSpec) args(command string) []string {
	args := []string{command}
	if command == "run" {
		args = append(args, "-d")
	}
	restart := spec.Restart
	if restart == "" {
		restart = "unless-stopped"
	}
	args = append(args,
		"--name", spec.Name,
		"--network", DefaultNetwork,
		"--restart", restart,
		"--label", "nbot.managed=true",
	)
	if spec.Kind != "" {
		args = append(args, "--label", "nbot.kind="+spec.Kind)
	}
	if spec.BotID != "" {
		args = append(args, "--label", "nbot.bot_id="+spec.BotID)
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	for _, p := range spec.Ports {
		args = append(args, "-p", fmt.Sprintf("%d:%d", p.Host, p.Container))
	}
	for _, m := range spec.Mounts {
		args = append(args, "-v", m.Volume+":"+m.Path)
	}
	return append(args, spec.Image)
}

// prepare makes sure the network exists and the image is present
// before a container is created from the spec.
func (c *Client) prepare(ctx context.Context, spec RunSpec) error {
	if err := c.EnsureNetwork(ctx, DefaultNetwork); err != nil {
		return err
	}
	if _, ok := c.ImageSize(ctx, spec.Image); !ok {
		if err := c.Pull(ctx, spec.Image); err != nil {
			return err
		}
	}
	return nil
}

// Run starts a managed container detached and returns its id.
func (c *Client) Run(ctx context.Context, spec RunSpec) (string, error) {
	if err := c.prepare(ctx, spec); err != nil {
		return "", err
	}
	if _, err := c.run(ctx, spec.args("run")...); err != nil {
		return "", err
	}
	return c.containerID(ctx, spec.Name)
}

// Create provisions a managed container without starting it.
func (c *Client) Create(ctx context.Context, spec RunSpec) (string, error) {
	if err := c.prepare(ctx, spec); err != nil {
		return "", err
	}
	if _, err := c.run(ctx, spec.args("create")...); err != nil {
		return "", err
	}
	return c.containerID(ctx, spec.Name)
}

func (c *Client) containerID(ctx context.Context, name string) (string, error) {
	out, err := c.run(ctx, "inspect", "--format", "{{.Id}}", name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// PublishedPort returns the host port a container port is published
// on, polling portPollAttempts times before giving up.
func (c *Client) PublishedPort(ctx context.Context, name string, internal int) (int, error) {
	for attempt := 0; attempt < portPollAttempts; attempt++ {
		out, err := c.run(ctx, "port", name, fmt.Sprintf("%d/tcp", internal))
		if err == nil {
			for _, line := range strings.Split(out, "\n") {
				line = strings.TrimSpace(line)
				idx := strings.LastIndex(line, ":")
				if idx < 0 {
					continue
				}
				if p, err := strconv.Atoi(line[idx+1:]); err == nil && p > 0 {
					return p, nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(portPollInterval):
		}
	}
	return 0, fmt.Errorf("port %d/tcp of %s was never published", internal, name)
}

// CreateNapCat provisions (but does not start) a NapCat container
// wired to the bot's QQ account and WebSocket/WebUI ports.
func (c *Client) CreateNapCat(ctx context.Context, bot models.BotInstance) (string, error) {
	if _, err := c.EnsureVolume(ctx, DataVolumeName(bot.ID)); err != nil {
		return "", err
	}
	env := map[string]string{
		"NAPCAT_UID":        "0",
		"NAPCAT_GID":        "0",
		"ACCOUNT":           bot.QQID,
		"WS_ENABLE":         "true",
		"NAPCAT_WEBUI_PORT": strconv.Itoa(bot.WebUIPort),
	}
	if bot.WSToken != "" {
		env["WS_TOKEN"] = bot.WSToken
	}
	return c.Create(ctx, RunSpec{
		Name:  ContainerName(bot.ID),
		Image: c.image,
		Kind:  KindNapCat,
		BotID: bot.ID,
		Env:   env,
		Ports: []PortMap{
			{Host: bot.WSPort, Container: 3001},
			{Host: bot.WebUIPort, Container: 6099},
		},
		Mounts: []Mount{
			{Volume: DataVolumeName(bot.ID), Path: "/app/.config/QQ"},
		},
	})
}

// Start starts a bot's container.
func (c *Client) Start(ctx context.Context, botID string) error {
	_, err := c.run(ctx, "start", ContainerName(botID))
	return err
}

// Stop stops a bot's container.
func (c *Client) Stop(ctx context.Context, botID string) error {
	_, err := c.run(ctx, "stop", ContainerName(botID))
	return err
}

// Remove force-removes a bot's container.
func (c *Client) Remove(ctx context.Context, botID string) error {
	_, err := c.run(ctx, "rm", "-f", ContainerName(botID))
	return err
}

// Restart restarts a bot's container.
func (c *Client) Restart(ctx context.Context, botID string) error {
	_, err := c.run(ctx, "restart", ContainerName(botID))
	return err
}

// Logs returns the last tail lines of a container's logs.
func (c *Client) Logs(ctx context.Context, botID string, tail int) (string, error) {
	return c.run(ctx, "logs", "--tail", fmt.Sprintf("%d", tail), ContainerName(botID))
}

// Exec runs a command inside a bot's container and returns its output.
func (c *Client) Exec(ctx context.Context, botID string, cmd ...string) (string, error) {
	args := append([]string{"exec", ContainerName(botID)}, cmd...)
	return c.run(ctx, args...)
}

// States lists every managed container's name and state, running or
// not.
func (c *Client) States(ctx context.Context) (map[string]string, error) {
	out, err := c.run(ctx, "ps", "-a",
		"--filter", "label=nbot.managed=true",
		"--format", "{{.Names}}|{{.State}}")
	if err != nil {
		return nil, err
	}
	states := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 2)
		if len(parts) != 2 {
			continue
		}
		states[parts[0]] = parts[1]
	}
	return states, nil
}
