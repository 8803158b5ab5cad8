package hub

import (
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"

	"github.com/clawrelay/clawrelay/internal/logger"
	"github.com/clawrelay/clawrelay/internal/protocol"
)

// --- Project/folder discovery ---

func (s *Server) scanProjects() []protocol.ProjectSummary {
	root := s.cfg.ProjectsDir
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}

	recs, err := s.reg.List()
	if err != nil {
		recs = nil
	}
	live := map[string]string{} // name -> sessionId, derived from cwd
	for _, rec := range recs {
		live[filepath.Base(rec.CWD)] = rec.ID
	}

	var out []protocol.ProjectSummary
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(root, e.Name())
		info, err := e.Info()
		var modTime int64
		if err == nil {
			modTime = info.ModTime().UnixMilli()
		}
		p := protocol.ProjectSummary{Name: e.Name(), Path: path, ModTime: modTime}
		if sid, ok := live[e.Name()]; ok {
			p.HasSession = true
			p.SessionID = sid
		}
		out = append(out, p)
	}
	return out
}

func (s *Server) listFolders() []protocol.FolderEntry {
	root := s.cfg.ProjectsDir
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var out []protocol.FolderEntry
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, protocol.FolderEntry{
			Name:  e.Name(),
			Path:  filepath.Join(root, e.Name()),
			IsDir: e.IsDir(),
		})
	}
	return out
}

// --- Upload ---

var reservedFilenames = map[string]bool{
	".": true, "..": true,
}

// sanitizeFilename neutralizes path separators and reserved characters,
// trims leading/trailing dots and spaces, caps length at 255, and rejects
// empty/"."/"..". It is idempotent — sanitize(sanitize(x)) ==
// sanitize(x) — because no character a step removes can be reintroduced
// by a later step.
var unsafeFilenameChars = regexp.MustCompile(`[/\\:*?"<>|\x00-\x1f]`)

func sanitizeFilename(name string) (string, error) {
	cleaned := unsafeFilenameChars.ReplaceAllString(name, "_")
	cleaned = strings.Trim(cleaned, ". ")
	if len(cleaned) > 255 {
		cleaned = cleaned[:255]
		cleaned = strings.TrimRight(cleaned, ". ")
	}
	if cleaned == "" || reservedFilenames[cleaned] {
		return "", fmt.Errorf("invalid filename")
	}
	return cleaned, nil
}

func (c *clientContext) handleUpload(msg protocol.UploadFile) {
	if !c.srv.cfg.UploadEnabled {
		c.send(&protocol.UploadResult{Type: protocol.TypeUploadResult, Success: false, Error: "uploads disabled"})
		return
	}
	if msg.Size > c.srv.cfg.MaxUploadSize {
		c.send(&protocol.UploadResult{Type: protocol.TypeUploadResult, Success: false, Error: "file too large"})
		return
	}

	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		c.send(&protocol.UploadResult{Type: protocol.TypeUploadResult, Success: false, Error: "invalid base64 data"})
		return
	}
	if int64(len(data)) > c.srv.cfg.MaxUploadSize {
		c.send(&protocol.UploadResult{Type: protocol.TypeUploadResult, Success: false, Error: "file too large"})
		return
	}

	safeName, err := sanitizeFilename(msg.Filename)
	if err != nil {
		c.send(&protocol.UploadResult{Type: protocol.TypeUploadResult, Success: false, Error: err.Error()})
		return
	}

	// A name carrying separators or a traversal component is an attempted
	// escape, not a filename to rescue: refuse it, reporting what the
	// sanitized form would have been.
	if strings.ContainsAny(msg.Filename, `/\`) || strings.Contains(msg.Filename, "..") {
		c.send(&protocol.UploadResult{Type: protocol.TypeUploadResult, Success: false, Filename: safeName, Error: "filename must not contain path components"})
		return
	}

	rec, ok := c.srv.reg.Get(msg.SessionID)
	if !ok {
		c.send(&protocol.UploadResult{Type: protocol.TypeUploadResult, Success: false, Filename: safeName, Error: "session not found"})
		return
	}

	dest := filepath.Join(rec.CWD, safeName)
	cwdClean := filepath.Clean(rec.CWD)
	destClean := filepath.Clean(dest)
	if destClean != cwdClean && !strings.HasPrefix(destClean, cwdClean+string(filepath.Separator)) {
		c.send(&protocol.UploadResult{Type: protocol.TypeUploadResult, Success: false, Filename: safeName, Error: "path escapes session directory"})
		return
	}

	if err := os.WriteFile(destClean, data, 0o644); err != nil {
		c.send(&protocol.UploadResult{Type: protocol.TypeUploadResult, Success: false, Filename: safeName, Error: err.Error()})
		return
	}
	c.send(&protocol.UploadResult{Type: protocol.TypeUploadResult, Success: true, Filename: safeName})
}

// --- create_session / start_folder_session ---

var projectNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

var reservedDeviceNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
}

func validateProjectName(name string) error {
	if !projectNamePattern.MatchString(name) {
		return fmt.Errorf("invalid project name")
	}
	if reservedDeviceNames[strings.ToLower(name)] {
		return fmt.Errorf("reserved name")
	}
	return nil
}

func (c *clientContext) handleCreateSession(msg protocol.CreateSession) {
	if err := validateProjectName(msg.ProjectName); err != nil {
		c.send(&protocol.CreateSessionResult{Type: protocol.TypeCreateSessionResult, Success: false, Error: err.Error()})
		return
	}

	path := filepath.Join(c.srv.cfg.ProjectsDir, msg.ProjectName)
	if err := os.MkdirAll(path, 0o755); err != nil {
		c.send(&protocol.CreateSessionResult{Type: protocol.TypeCreateSessionResult, Success: false, Error: err.Error()})
		return
	}

	if err := c.srv.spawnLauncher(msg.ProjectName, path); err != nil {
		c.send(&protocol.CreateSessionResult{Type: protocol.TypeCreateSessionResult, Success: false, Error: err.Error()})
		return
	}
	c.send(&protocol.CreateSessionResult{Type: protocol.TypeCreateSessionResult, Success: true})
}

func (c *clientContext) handleStartFolderSession(msg protocol.StartFolderSession) {
	if err := validateProjectName(msg.FolderName); err != nil {
		c.send(&protocol.StartFolderSessionResult{Type: protocol.TypeStartFolderSessionResult, Success: false, Error: err.Error()})
		return
	}

	path := filepath.Join(c.srv.cfg.ProjectsDir, msg.FolderName)
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		c.send(&protocol.StartFolderSessionResult{Type: protocol.TypeStartFolderSessionResult, Success: false, Error: "folder does not exist"})
		return
	}

	if _, ok := c.srv.reg.Get(msg.FolderName); ok {
		c.send(&protocol.StartFolderSessionResult{Type: protocol.TypeStartFolderSessionResult, Success: true, AlreadyRunning: true})
		return
	}

	if err := c.srv.spawnLauncher(msg.FolderName, path, skipPermissionsArg(msg.SkipPermissions)...); err != nil {
		c.send(&protocol.StartFolderSessionResult{Type: protocol.TypeStartFolderSessionResult, Success: false, Error: err.Error()})
		return
	}
	c.send(&protocol.StartFolderSessionResult{Type: protocol.TypeStartFolderSessionResult, Success: true})
}

// skipPermissionsArg forwards the flag verbatim to the launcher's argv;
// only the child process gives it meaning.
func skipPermissionsArg(skip bool) []string {
	if skip {
		return []string{"--skip-permissions"}
	}
	return nil
}

// spawnLauncher starts a detached clawrelay-session process for id and
// tracks its pid so the hub can find and signal it again after a restart.
func (s *Server) spawnLauncher(id, cwd string, extraArgs ...string) error {
	args := []string{"--id", id, "--cwd", cwd, "--home", s.cfg.Home, "--cmd", s.cfg.SessionCommand}
	args = append(args, extraArgs...)

	cmd := exec.Command(s.cfg.SessionBinary, args...)
	cmd.Dir = cwd
	cmd.SysProcAttr = detachedProcAttr()
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn launcher: %w", err)
	}

	if err := s.st.TrackLauncher(id, cmd.Process.Pid); err != nil {
		logger.Warn("hub: track launcher failed", "id", id, "error", err)
	}

	go cmd.Process.Release()
	return nil
}

func detachedProcAttr() *syscall.SysProcAttr {
	return platformDetachAttr()
}
