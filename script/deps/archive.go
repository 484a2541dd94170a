package deps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"
	modzip "golang.org/x/mod/zip"
)

// archivePath is <CacheDir>/download/<escaped path>/@v/<escaped version>.zip.
func (r *Resolver) archivePath(path, version string) (string, error) {
	ep, err := module.EscapePath(path)
	if err != nil {
		return "", err
	}
	ev, err := module.EscapeVersion(version)
	if err != nil {
		return "", err
	}
	return filepath.Join(r.cfg.CacheDir, "download", filepath.FromSlash(ep), "@v", ev+".zip"), nil
}

// libraryDir is <CacheDir>/lib/<escaped path>@<escaped version>.
func (r *Resolver) libraryDir(path, version string) (string, error) {
	ep, err := module.EscapePath(path)
	if err != nil {
		return "", err
	}
	ev, err := module.EscapeVersion(version)
	if err != nil {
		return "", err
	}
	return filepath.Join(r.cfg.CacheDir, "lib", filepath.FromSlash(ep)+"@"+ev), nil
}

// fetch makes path@version available on disk: downloaded once, extracted once.
func (r *Resolver) fetch(ctx context.Context, path, version string) (string, error) {
	dir, err := r.libraryDir(path, version)
	if err != nil {
		return "", err
	}
	if nonEmptyDir(dir) {
		return dir, nil
	}

	archive, err := r.archivePath(path, version)
	if err != nil {
		return "", err
	}
	if fileExists(archive) {
		r.metrics.RecordPackageDownload("cached")
	} else {
		if err := r.index.Download(ctx, path, version, archive); err != nil {
			r.metrics.RecordPackageDownload("error")
			return "", err
		}
		r.metrics.RecordPackageDownload("success")
		r.logger.Info("package downloaded", zap.String("path", path), zap.String("version", version))
	}

	if err := extract(archive, path, version, dir); err != nil {
		return "", fmt.Errorf("extract %s@%s: %w", path, version, err)
	}
	return dir, nil
}

// extract unzips a module archive into dir. A module without go.mod gets a
// minimal one so the directory can stand in for the module in a replace.
func extract(archive, path, version, dir string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return err
	}
	tmp, err := os.MkdirTemp(filepath.Dir(dir), filepath.Base(dir)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	// Unzip wants a missing or empty target
	if err := modzip.Unzip(tmp, module.Version{Path: path, Version: version}, archive); err != nil {
		return err
	}
	gomod := filepath.Join(tmp, "go.mod")
	if !fileExists(gomod) {
		f := new(modfile.File)
		if err := f.AddModuleStmt(path); err != nil {
			return err
		}
		data, err := f.Format()
		if err != nil {
			return err
		}
		if err := os.WriteFile(gomod, data, 0o644); err != nil {
			return err
		}
	}

	if err := os.Rename(tmp, dir); err != nil {
		// another resolution extracted it first
		if nonEmptyDir(dir) {
			return nil
		}
		return err
	}
	return nil
}

// nativeTiers lists candidate native/ subdirectories, most specific first.
func nativeTiers() []string {
	return []string{
		runtime.GOOS + "_" + runtime.GOARCH,
		runtime.GOOS,
	}
}

// copyNative copies the native binaries of one library into the native dir.
// Only the first tier that holds any file is used.
func (r *Resolver) copyNative(lib Library) ([]string, error) {
	for _, tier := range nativeTiers() {
		src := filepath.Join(lib.Dir, "native", tier)
		files, err := regularFiles(src)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			continue
		}

		var copied []string
		for _, rel := range files {
			dst := filepath.Join(r.cfg.NativeDir, rel)
			if err := copyFile(filepath.Join(src, rel), dst); err != nil {
				return copied, err
			}
			copied = append(copied, dst)
		}
		r.logger.Debug("native binaries copied",
			zap.String("library", lib.Path),
			zap.String("tier", tier),
			zap.Int("files", len(copied)),
		)
		return copied, nil
	}
	return nil, nil
}

func regularFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			out = append(out, rel)
		}
		return nil
	})
	return out, err
}

// copyFile copies src to dst unless dst already has the same size.
func copyFile(src, dst string) error {
	si, err := os.Stat(src)
	if err != nil {
		return err
	}
	if di, err := os.Stat(dst); err == nil && di.Size() == si.Size() {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o755); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

func nonEmptyDir(p string) bool {
	entries, err := os.ReadDir(p)
	return err == nil && len(entries) > 0
}
