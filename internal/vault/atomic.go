package vault

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// atomicWrite writes data to path through a unique temporary sibling that
// is fsync'd and then renamed into place. A crash before the rename leaves
// the previous file intact; on any error the temporary is removed
// best-effort.
func atomicWrite(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString())

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
