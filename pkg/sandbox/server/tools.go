package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// RegisterDefaults installs the standard sandbox tool handlers.
func RegisterDefaults(s *Server) {
	s.Register("terminal_execute", s.terminalExecute)
	s.Register("python_execute", s.pythonExecute)
	s.Register("file_read", s.fileRead)
	s.Register("file_write", s.fileWrite)
	s.Register("web_request", s.webRequest)
}

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64: // JSON numbers decode as float64
		return int(v)
	}
	return def
}

func argBool(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

// resolve confines path to the workspace via the guard; absolute paths
// are reinterpreted as workspace-relative.
func (s *Server) resolve(path string) (string, error) {
	return s.guard.Resolve(path)
}

func (s *Server) terminalExecute(ctx context.Context, args map[string]any) (string, error) {
	command := argString(args, "command")
	if strings.TrimSpace(command) == "" {
		return "", errors.New("empty command")
	}
	timeout := time.Duration(argInt(args, "timeout_seconds", 120)) * time.Second

	dir := s.workspace
	if wd := argString(args, "working_dir"); wd != "" {
		resolved, err := s.resolve(wd)
		if err != nil {
			return "", err
		}
		dir = resolved
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if runCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command timed out after %s\npartial output:\n%s", timeout, truncate(out))
	}
	if err != nil {
		return "", fmt.Errorf("exit error: %v\n%s", err, truncate(out))
	}
	return truncate(out), nil
}

func (s *Server) pythonExecute(ctx context.Context, args map[string]any) (string, error) {
	code := argString(args, "code")
	if strings.TrimSpace(code) == "" {
		return "", errors.New("empty code")
	}
	timeout := time.Duration(argInt(args, "timeout_seconds", 120)) * time.Second

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "python3", "-c", code)
	cmd.Dir = s.workspace
	out, err := cmd.CombinedOutput()
	if runCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("python timed out after %s\npartial output:\n%s", timeout, truncate(out))
	}
	if err != nil {
		return "", fmt.Errorf("exit error: %v\n%s", err, truncate(out))
	}
	return truncate(out), nil
}

func (s *Server) fileRead(ctx context.Context, args map[string]any) (string, error) {
	path, err := s.resolve(argString(args, "path"))
	if err != nil {
		return "", err
	}
	maxBytes := argInt(args, "max_bytes", 65536)

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(maxBytes)))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Server) fileWrite(ctx context.Context, args map[string]any) (string, error) {
	path, err := s.resolve(argString(args, "path"))
	if err != nil {
		return "", err
	}
	content := argString(args, "content")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	flags := os.O_CREATE | os.O_WRONLY
	if argBool(args, "append") {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), argString(args, "path")), nil
}

func (s *Server) webRequest(ctx context.Context, args map[string]any) (string, error) {
	url := argString(args, "url")
	if url == "" {
		return "", errors.New("empty url")
	}
	method := strings.ToUpper(argString(args, "method"))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if b := argString(args, "body"); b != "" {
		body = strings.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(argString(args, "headers"), "\n") {
		if name, value, ok := strings.Cut(line, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP %d\n", resp.StatusCode)
	for name, values := range resp.Header {
		fmt.Fprintf(&b, "%s: %s\n", name, strings.Join(values, ", "))
	}
	b.WriteString("\n")
	b.Write(data)
	return b.String(), nil
}

const maxToolOutput = 64 << 10

func truncate(out []byte) string {
	if len(out) <= maxToolOutput {
		return string(out)
	}
	return string(out[:maxToolOutput]) + "\n... output truncated ..."
}
