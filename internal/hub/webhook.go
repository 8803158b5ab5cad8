package hub

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os/exec"
	"strings"

	"github.com/clawrelay/clawrelay/internal/logger"
)

// handleWebhook verifies an incoming GitHub-style webhook's HMAC-SHA256
// signature against the configured secret, then triggers a single repo
// update command. If no secret is configured, verification is skipped
// entirely. The endpoint carries no bearer auth; HMAC verification
// stands in for it.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "cannot read body")
		return
	}

	if s.cfg.WebhookSecret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if !verifyWebhookSignature(s.cfg.WebhookSecret, body, sig) {
			writeJSONError(w, http.StatusUnauthorized, "signature mismatch")
			return
		}
	}

	go s.runRepoUpdate()
	w.WriteHeader(http.StatusAccepted)
}

func verifyWebhookSignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	presented, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	return subtle.ConstantTimeCompare(presented, expected) == 1
}

func (s *Server) runRepoUpdate() {
	cmd := exec.Command("git", "-C", s.cfg.ProjectsDir, "pull", "--ff-only")
	if out, err := cmd.CombinedOutput(); err != nil {
		logger.Warn("hub: webhook repo update failed", "error", err, "output", string(out))
	} else {
		logger.Info("hub: webhook repo update succeeded")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
