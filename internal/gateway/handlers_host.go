package gateway

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/joestump/homegate/internal/access"
	"github.com/joestump/homegate/internal/tools"
	"github.com/joestump/homegate/internal/wire"
)

// fsError maps filesystem failures onto statuses. Policy refusals are
// audited as denials.
func (r *Router) fsError(c *call, required access.Level, err error) *wire.Response {
	switch {
	case errors.Is(err, tools.ErrPathDenied):
		return r.deny(c, required, http.StatusForbidden, err.Error())
	case errors.Is(err, fs.ErrNotExist):
		return wire.Error(http.StatusNotFound, "no such file or directory")
	case errors.Is(err, fs.ErrPermission):
		return wire.Error(http.StatusForbidden, "permission denied")
	}
	return wire.Error(http.StatusBadRequest, err.Error())
}

func (r *Router) files() *tools.Files {
	if r.deps.Files != nil {
		return r.deps.Files
	}
	policy := r.deps.Policy
	if policy == nil {
		policy = access.NewPolicy()
	}
	return tools.NewFiles(policy)
}

func (r *Router) fsRead(c *call) *wire.Response {
	path := c.req.QueryValue("path")
	content, truncated, err := r.files().Read(path, c.level)
	if err != nil {
		return r.fsError(c, access.ReadFiles, err)
	}
	return wire.JSON(http.StatusOK, map[string]any{"path": path, "content": content, "truncated": truncated})
}

func (r *Router) fsList(c *call) *wire.Response {
	path := c.req.QueryValue("path")
	entries, err := r.files().List(path, c.level)
	if err != nil {
		return r.fsError(c, access.ReadFiles, err)
	}
	return wire.JSON(http.StatusOK, map[string]any{"path": path, "entries": entries})
}

type writeRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (r *Router) fsWrite(c *call) *wire.Response {
	var body writeRequest
	if resp := decodeBody(c, &body); resp != nil {
		return resp
	}
	n, err := r.files().Write(body.Path, body.Content, c.level)
	if err != nil {
		return r.fsError(c, access.WriteFiles, err)
	}
	return wire.JSON(http.StatusOK, map[string]any{"path": body.Path, "bytes_written": n})
}

func (r *Router) fsMkdir(c *call) *wire.Response {
	var body struct {
		Path string `json:"path"`
	}
	if resp := decodeBody(c, &body); resp != nil {
		return resp
	}
	if err := r.files().MakeDir(body.Path, c.level); err != nil {
		return r.fsError(c, access.WriteFiles, err)
	}
	return wire.JSON(http.StatusOK, map[string]any{"path": body.Path, "created": true})
}

func (r *Router) systemInfo(c *call) *wire.Response {
	host, _ := os.Hostname()
	var sandbox []string
	if r.deps.Policy != nil {
		sandbox = r.deps.Policy.SandboxRoots()
	}
	if sandbox == nil {
		sandbox = []string{}
	}
	return wire.JSON(http.StatusOK, map[string]any{
		"hostname":       host,
		"os":             runtime.GOOS,
		"arch":           runtime.GOARCH,
		"cpus":           runtime.NumCPU(),
		"go_version":     runtime.Version(),
		"version":        r.deps.Version,
		"uptime_seconds": int64(time.Since(r.started).Seconds()),
		"level":          levelBody(c.level),
		"sandbox_paths":  sandbox,
	})
}

type execRequest struct {
	Command        string `json:"command"`
	Confirmed      bool   `json:"confirmed"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (r *Router) exec(c *call) *wire.Response {
	return r.runCommand(c, false)
}

func (r *Router) execShell(c *call) *wire.Response {
	return r.runCommand(c, true)
}

func (r *Router) runCommand(c *call, unfiltered bool) *wire.Response {
	if r.deps.Runner == nil {
		return wire.Error(http.StatusInternalServerError, "command execution is not configured")
	}
	var body execRequest
	if resp := decodeBody(c, &body); resp != nil {
		return resp
	}
	timeout := tools.ClampTimeout(body.TimeoutSeconds)

	var (
		res *tools.CommandResult
		err error
	)
	required := access.Execute
	if unfiltered {
		required = access.FullAccess
		res, err = r.deps.Runner.RunUnfiltered(c.ctx, body.Command, timeout)
	} else {
		res, err = r.deps.Runner.Run(c.ctx, body.Command, body.Confirmed, timeout)
	}
	switch {
	case errors.Is(err, tools.ErrBlocked):
		return r.deny(c, required, http.StatusForbidden, "command is blocked")
	case errors.Is(err, tools.ErrNeedsConfirmation):
		return wire.JSON(http.StatusConflict, map[string]any{
			"error":                 err.Error(),
			"classification":        access.Destructive.String(),
			"requires_confirmation": true,
		})
	case err != nil:
		logHandlerError(c, err, "command failed")
		return wire.Error(http.StatusBadRequest, err.Error())
	}
	return wire.JSON(http.StatusOK, res)
}
