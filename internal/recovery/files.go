package recovery

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// backupFiles copies each existing file to backups/<snapshot>/<n>-<base>
// and returns the original -> backup mapping.
func (e *Engine) backupFiles(snapshotID string, paths []string) (map[string]string, error) {
	dir := filepath.Join(e.backupsDir(), snapshotID)
	files := make(map[string]string, len(paths))

	for i, path := range paths {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			e.logger.Debug("skipping backup of missing file", "path", path)
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating backup directory: %w", err)
		}
		dst := filepath.Join(dir, fmt.Sprintf("%d-%s", i, filepath.Base(path)))
		if err := copyFile(path, dst); err != nil {
			return nil, fmt.Errorf("backing up %s: %w", path, err)
		}
		files[path] = dst
	}
	return files, nil
}

// restoreFiles copies backups over their originals. Missing backups are logged.
func (e *Engine) restoreFiles(files map[string]string) error {
	for path, backup := range files {
		if _, err := os.Stat(backup); err != nil {
			e.logger.Warn("backup file missing", "path", path, "backup", backup)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("restoring %s: %w", path, err)
		}
		if err := copyFile(backup, path); err != nil {
			return fmt.Errorf("restoring %s: %w", path, err)
		}
	}
	return nil
}

// copyFile copies src to dst, keeping the source permission bits.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// diskUsageMB sums the size of every file under dir.
func diskUsageMB(dir string) float64 {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0
	}
	return float64(total) / (1024 * 1024)
}
