package docs

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

var ErrLockTimeout = errors.New("docs cache lock timeout")

type lockHandle struct {
	method string
	file   *os.File
	dir    string
}

// withLock serializes cache mutations across processes. flock is preferred;
// filesystems without it fall back to a mkdir lock with a pid marker.
func withLock(cacheDir string, fn func() error) error {
	handle, err := acquireLock(cacheDir)
	if err != nil {
		return err
	}
	defer handle.release()
	return fn()
}

func acquireLock(cacheDir string) (*lockHandle, error) {
	if cacheDir == "" {
		return nil, errors.New("docs cache directory unavailable")
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create docs cache dir: %w", err)
	}

	timeout := lockTimeout()
	lockFile := filepath.Join(cacheDir, ".lock")
	file, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR, 0o644)
	if err == nil {
		err = tryFlock(file, timeout)
		if err == nil {
			return &lockHandle{method: "flock", file: file}, nil
		}

		if !isFlockUnsupported(err) {
			file.Close()
			return nil, err
		}

		file.Close()
	}

	return acquireDirLock(lockFile+".dir", timeout)
}

func (handle *lockHandle) release() {
	if handle == nil {
		return
	}

	if handle.method == "flock" {
		if handle.file != nil {
			_ = syscall.Flock(int(handle.file.Fd()), syscall.LOCK_UN)
			_ = handle.file.Close()
		}
		return
	}

	if handle.method == "mkdir" {
		if handle.dir != "" {
			_ = os.RemoveAll(handle.dir)
		}
	}
}

func tryFlock(file *os.File, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return nil
		}

		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
			if time.Now().After(deadline) {
				return ErrLockTimeout
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		return err
	}
}

func acquireDirLock(lockDir string, timeout time.Duration) (*lockHandle, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := os.Mkdir(lockDir, 0o755); err == nil {
			_ = os.WriteFile(filepath.Join(lockDir, "pid"), []byte(strconv.Itoa(os.Getpid())), 0o644)
			return &lockHandle{method: "mkdir", dir: lockDir}, nil
		}

		if info, err := os.Stat(lockDir); err == nil && info.IsDir() {
			pid := readPid(filepath.Join(lockDir, "pid"))
			if pid == 0 || !processAlive(pid) {
				_ = os.RemoveAll(lockDir)
			}
		}

		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}

		time.Sleep(100 * time.Millisecond)
	}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create docs dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tmpName := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmpFile.Chmod(0o644); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}

	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil
}

func readPid(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	parsed, err := strconv.Atoi(string(bytes.TrimSpace(data)))
	if err != nil {
		return 0
	}
	return parsed
}

func lockTimeout() time.Duration {
	if value := os.Getenv("OTELEXPLAIN_LOCK_TIMEOUT"); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			return time.Duration(parsed) * time.Second
		}
	}
	return 10 * time.Second
}

func isFlockUnsupported(err error) bool {
	return errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EOPNOTSUPP) || errors.Is(err, syscall.ENOTSUP)
}
