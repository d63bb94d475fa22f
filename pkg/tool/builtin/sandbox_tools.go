package builtin

import "github.com/swarmsec/swarm/pkg/tool"

// RegisterSandboxTools installs the descriptors for tools that execute
// inside the scan container. Their handlers live in the in-container
// server; here they only need a schema and the sandbox location.
func RegisterSandboxTools(reg *tool.Registry) error {
	descriptors := []tool.Descriptor{
		{
			Name:        "terminal_execute",
			Description: "Run a shell command inside the sandbox workspace.",
			Location:    tool.LocationSandbox,
			Params: []tool.Param{
				{Name: "command", Type: "string", Required: true, Description: "Command line to execute."},
				{Name: "timeout_seconds", Type: "int", Default: 120, Description: "Kill the command after this long."},
				{Name: "working_dir", Type: "string", Description: "Directory relative to the workspace root."},
			},
		},
		{
			Name:        "python_execute",
			Description: "Run a Python snippet inside the sandbox.",
			Location:    tool.LocationSandbox,
			Params: []tool.Param{
				{Name: "code", Type: "string", Required: true, Description: "Python source to execute."},
				{Name: "timeout_seconds", Type: "int", Default: 120},
			},
		},
		{
			Name:        "file_read",
			Description: "Read a file from the sandbox workspace.",
			Location:    tool.LocationSandbox,
			Params: []tool.Param{
				{Name: "path", Type: "string", Required: true, Description: "Path relative to the workspace root."},
				{Name: "max_bytes", Type: "int", Default: 65536},
			},
		},
		{
			Name:        "file_write",
			Description: "Write a file into the sandbox workspace.",
			Location:    tool.LocationSandbox,
			Params: []tool.Param{
				{Name: "path", Type: "string", Required: true},
				{Name: "content", Type: "string", Required: true},
				{Name: "append", Type: "bool", Default: false},
			},
		},
		{
			Name:        "web_request",
			Description: "Issue an HTTP request from inside the sandbox network namespace.",
			Location:    tool.LocationSandbox,
			Params: []tool.Param{
				{Name: "url", Type: "string", Required: true},
				{Name: "method", Type: "string", Default: "GET"},
				{Name: "body", Type: "string"},
				{Name: "headers", Type: "string", Description: "One header per line, Name: value."},
			},
		},
	}
	for _, d := range descriptors {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}
