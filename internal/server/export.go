package server

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	"notevault/internal/auth"
	"notevault/internal/fault"
	"notevault/internal/permission"
	"notevault/internal/registry"
)

// ExportVault writes a zstd-compressed tar archive of the vault's files to
// w. Content comes from the live document, so unsaved edits are included.
// The binary snapshot and other reserved entries are not exported.
func (a *Admin) ExportVault(ctx context.Context, ident auth.Identity, vaultID string, w io.Writer) error {
	if err := a.requireRole(ctx, ident, vaultID, permission.RoleViewer); err != nil {
		return err
	}

	return a.withHandle(vaultID, func(h *registry.Handle) error {
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return fault.New(fault.Internal, fmt.Errorf("create zstd writer: %w", err))
		}
		tw := tar.NewWriter(zw)

		now := time.Now().UTC()
		for _, path := range h.Files() {
			text, ok := h.FileText(path)
			if !ok {
				continue
			}
			hdr := &tar.Header{
				Name:    path,
				Mode:    0o644,
				Size:    int64(len(text)),
				ModTime: now,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return fault.New(fault.Internal, fmt.Errorf("write archive header %s: %w", path, err))
			}
			if _, err := io.WriteString(tw, text); err != nil {
				return fault.New(fault.Internal, fmt.Errorf("write archive entry %s: %w", path, err))
			}
		}

		if err := tw.Close(); err != nil {
			return fault.New(fault.Internal, fmt.Errorf("close archive: %w", err))
		}
		if err := zw.Close(); err != nil {
			return fault.New(fault.Internal, fmt.Errorf("close compressor: %w", err))
		}
		return nil
	})
}

// ImportVault merges a zstd-compressed tar archive into a vault. Each
// entry is written through the CRDT document and relayed to live sessions.
// Entries with paths the store would reject are refused, failing the
// import before any entry of the archive is applied.
func (a *Admin) ImportVault(ctx context.Context, ident auth.Identity, vaultID string, r io.Reader) error {
	if err := a.requireRole(ctx, ident, vaultID, permission.RoleEditor); err != nil {
		return err
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return fault.New(fault.Invalid, fmt.Errorf("open zstd stream: %w", err))
	}
	defer zr.Close()

	// Read the whole archive up front so a malformed entry late in the
	// stream cannot leave a half-applied import.
	type entry struct {
		path string
		text string
	}
	var entries []entry
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fault.New(fault.Invalid, fmt.Errorf("read archive: %w", err))
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if err := validatePath(hdr.Name); err != nil {
			return err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return fault.New(fault.Invalid, fmt.Errorf("read archive entry %s: %w", hdr.Name, err))
		}
		entries = append(entries, entry{path: hdr.Name, text: string(data)})
	}

	return a.withHandle(vaultID, func(h *registry.Handle) error {
		for _, e := range entries {
			update := h.SetFileText(e.path, e.text)
			a.engine.BroadcastUpdate(vaultID, update)
		}
		a.logger.Info("vault imported", "vault", vaultID, "files", len(entries), "by", ident.UserID)
		return nil
	})
}
