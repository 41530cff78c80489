// Package gateway manages the optional local LLM proxy through which judge
// calls route, and accounts token usage from its JSONL logs. Routing
// through one proxy gives the experiment a single place to apply provider
// credentials and capture per-call usage.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/phayes/freeport"
	"github.com/sirupsen/logrus"
)

type Gateway struct {
	Port    int
	cmd     *exec.Cmd
	logFile *os.File
	usage   string
	log     *logrus.Entry
}

type StartOpts struct {
	Command string
	EnvFile string
	LogDir  string
}

func (g *Gateway) URL() string {
	return fmt.Sprintf("http://localhost:%d", g.Port)
}

// UsageLog returns the path to the proxy's JSONL usage log.
func (g *Gateway) UsageLog() string { return g.usage }

// Start launches the proxy subprocess on a free port and waits for it to
// accept connections. ctx bounds only the startup wait: the running proxy
// is detached from it and lives until Stop, so an interrupt that cancels
// dispatch doesn't kill the proxy out from under in-flight judge calls.
func Start(ctx context.Context, opts *StartOpts, log *logrus.Logger) (*Gateway, error) {
	port, err := freeport.GetFreePort()
	if err != nil {
		return nil, fmt.Errorf("allocating gateway port: %w", err)
	}

	if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating gateway log dir: %w", err)
	}
	logPath := filepath.Join(opts.LogDir, fmt.Sprintf("gateway-%d.log", port))
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("creating gateway log file: %w", err)
	}
	usagePath := filepath.Join(opts.LogDir, fmt.Sprintf("usage-%d.jsonl", port))

	cmd := exec.Command(opts.Command, "--port", fmt.Sprintf("%d", port))
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), "USAGE_LOG="+usagePath)

	if opts.EnvFile != "" {
		envVars, err := ParseEnvFile(opts.EnvFile)
		if err != nil {
			logFile.Close()
			return nil, fmt.Errorf("reading secrets env file: %w", err)
		}
		for k, v := range envVars {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("starting gateway %s: %w", opts.Command, err)
	}

	if err := waitForPort(ctx, port, 30*time.Second); err != nil {
		cmd.Process.Kill()
		logFile.Close()
		return nil, fmt.Errorf("gateway did not start: %w", err)
	}

	return &Gateway{
		Port:    port,
		cmd:     cmd,
		logFile: logFile,
		usage:   usagePath,
		log:     log.WithField("prefix", "gateway"),
	}, nil
}

func (g *Gateway) Stop() error {
	if g.cmd != nil && g.cmd.Process != nil {
		g.cmd.Process.Kill()
		g.cmd.Wait()
	}
	if g.logFile != nil {
		g.logFile.Close()
	}
	return nil
}

type UsageRecord struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// ParseUsageLogs reads a JSONL usage log, skipping lines that aren't usage
// records (the proxy interleaves free-form log output).
func ParseUsageLogs(logPath string) ([]UsageRecord, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("reading usage log: %w", err)
	}
	defer f.Close()

	var records []UsageRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec UsageRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Model != "" {
			records = append(records, rec)
		}
	}
	return records, scanner.Err()
}

func TotalUsage(records []UsageRecord) (inputTokens, outputTokens int) {
	for _, r := range records {
		inputTokens += r.InputTokens
		outputTokens += r.OutputTokens
	}
	return
}

// ParseEnvFile reads KEY=value lines (shell-style, # comments, optional
// "export" prefix and quoting) into a map.
func ParseEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	envVars := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		s := strings.TrimSpace(scanner.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		s = strings.TrimPrefix(s, "export ")
		key, val, ok := strings.Cut(s, "=")
		if !ok {
			continue
		}
		envVars[key] = stripQuotes(val)
	}
	return envVars, scanner.Err()
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func waitForPort(ctx context.Context, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", port), time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("port %d not ready after %s", port, timeout)
}
