package runstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const lockOwnerFile = "owner.json"

var ErrLocked = errors.New("deployment already in progress")

// DeployLock marks a notebook as being deployed by one process.
type DeployLock struct {
	lockDir string
}

type lockOwner struct {
	PID          int    `json:"pid"`
	CreatedAt    string `json:"created_at"`
	Hostname     string `json:"hostname,omitempty"`
	NotebookPath string `json:"notebook_path"`
}

// LockDir is the lock directory for notebookPath under root.
func LockDir(root, notebookPath string) string {
	abs, err := filepath.Abs(notebookPath)
	if err != nil {
		abs = notebookPath
	}
	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(root, "locks", hex.EncodeToString(sum[:8])+".lock")
}

func AcquireDeployLock(root, notebookPath string) (DeployLock, error) {
	if strings.TrimSpace(notebookPath) == "" {
		return DeployLock{}, fmt.Errorf("notebook path is required")
	}
	lockDir := LockDir(root, notebookPath)
	if err := Mkdir(filepath.Dir(lockDir)); err != nil {
		return DeployLock{}, err
	}
	if err := os.Mkdir(lockDir, 0o755); err != nil {
		if os.IsExist(err) {
			var owner lockOwner
			if readErr := ReadJSON(filepath.Join(lockDir, lockOwnerFile), &owner); readErr == nil && owner.PID > 0 {
				return DeployLock{}, fmt.Errorf(
					"%w for %s (pid=%d created_at=%s host=%s)",
					ErrLocked, notebookPath, owner.PID, owner.CreatedAt, owner.Hostname,
				)
			}
			return DeployLock{}, fmt.Errorf("%w for %s", ErrLocked, notebookPath)
		}
		return DeployLock{}, fmt.Errorf("acquire deploy lock for %s: %w", notebookPath, err)
	}

	owner := lockOwner{
		PID:          os.Getpid(),
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		Hostname:     hostnameOrUnknown(),
		NotebookPath: notebookPath,
	}
	if err := WriteJSON(filepath.Join(lockDir, lockOwnerFile), owner); err != nil {
		_ = os.Remove(lockDir)
		return DeployLock{}, fmt.Errorf("write deploy lock owner for %s: %w", notebookPath, err)
	}
	return DeployLock{lockDir: lockDir}, nil
}

func (l DeployLock) Release() error {
	if strings.TrimSpace(l.lockDir) == "" {
		return nil
	}
	_ = os.Remove(filepath.Join(l.lockDir, lockOwnerFile))
	if err := os.Remove(l.lockDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release deploy lock %s: %w", l.lockDir, err)
	}
	return nil
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
}
