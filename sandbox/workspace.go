package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// WorkspaceDir is where the workspace lives inside container isolation units.
const WorkspaceDir = "/workspace"

// createScratch allocates a private scratch directory under root and writes
// the submitted code to the profile's entry file.
func createScratch(fs FileSystem, root, fileName string, code []byte) (string, error) {
	if root != "" {
		if err := fs.MkdirAll(root, DirPermission); err != nil {
			return "", fmt.Errorf("failed to create scratch root: %w", err)
		}
	}

	dir, err := fs.MkdirTemp(root, ScratchPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("failed to create scratch dir: %w", err)
	}

	if err := fs.Chmod(dir, ScratchPermission); err != nil {
		_ = fs.RemoveAll(dir)
		return "", fmt.Errorf("failed to restrict scratch dir: %w", err)
	}

	if err := validateEntryName(fileName); err != nil {
		_ = fs.RemoveAll(dir)
		return "", err
	}

	if err := fs.WriteFile(filepath.Join(dir, fileName), code, FilePermission); err != nil {
		_ = fs.RemoveAll(dir)
		return "", fmt.Errorf("failed to write user code: %w", err)
	}

	return dir, nil
}

func validateEntryName(name string) error {
	if name == "" || filepath.IsAbs(name) || strings.Contains(filepath.Clean(name), "..") || strings.ContainsRune(name, os.PathSeparator) {
		return fmt.Errorf("invalid entry file name: %q", name)
	}
	return nil
}

// CreateWorkspaceTar archives the top level of srcDir under prefix. Entries are
// world-writable so an unprivileged sandbox user can add build artifacts.
func CreateWorkspaceTar(srcDir, prefix string) ([]byte, error) {
	var buf bytes.Buffer
	tarWriter := tar.NewWriter(&buf)

	if err := tarWriter.WriteHeader(&tar.Header{
		Name:     prefix + "/",
		Typeflag: tar.TypeDir,
		Mode:     WorkspacePermission,
	}); err != nil {
		return nil, err
	}

	err := filepath.Walk(srcDir, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, file)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		if !fi.Mode().IsRegular() && !fi.IsDir() {
			// symlinks and devices never leave the host
			return nil
		}

		header, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		header.Name = path.Join(prefix, filepath.ToSlash(relPath))
		header.Uid, header.Gid = 0, 0
		header.Uname, header.Gname = "", ""
		if fi.IsDir() {
			header.Name += "/"
			header.Mode = WorkspacePermission
		} else {
			header.Mode = 0o666
		}

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}

		if fi.IsDir() {
			return nil
		}

		data, err := os.Open(file)
		if err != nil {
			return err
		}
		defer data.Close()

		_, err = io.Copy(tarWriter, data)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := tarWriter.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// ExtractWorkspaceTar extracts the entries of an uncompressed tar that live
// under the prefix directory into destDir. Traversal is an error; links,
// special files and entries outside prefix are skipped. More than maxBytes of
// content is refused.
func ExtractWorkspaceTar(fs FileSystem, r io.Reader, destDir, prefix string, maxBytes int64) error {
	tarReader := tar.NewReader(r)
	var written int64

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading tar: %w", err)
		}

		// Prevent absolute paths
		if path.IsAbs(header.Name) {
			return fmt.Errorf("absolute path not allowed in tar: %s", header.Name)
		}
		clean := path.Clean(header.Name)
		if clean == ".." || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("unsafe relative path in tar: %s", header.Name)
		}

		name, inside := strings.CutPrefix(clean, prefix+"/")
		if !inside {
			// the prefix directory itself or a sibling of it
			continue
		}

		filePath := filepath.Join(destDir, filepath.FromSlash(name))
		if !strings.HasPrefix(filePath, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("invalid file path in tar: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := fs.MkdirAll(filePath, ScratchPermission); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			written += header.Size
			if maxBytes > 0 && written > maxBytes {
				return fmt.Errorf("workspace exceeds %d bytes", maxBytes)
			}
			if err := fs.MkdirAll(filepath.Dir(filePath), ScratchPermission); err != nil {
				return fmt.Errorf("failed to create parent directories: %w", err)
			}
			content := make([]byte, header.Size)
			if _, err := io.ReadFull(tarReader, content); err != nil {
				return fmt.Errorf("failed to read file content: %w", err)
			}
			if err := fs.WriteFile(filePath, content, FilePermission); err != nil {
				return fmt.Errorf("failed to write file: %w", err)
			}
		default:
			// links and special files produced inside the sandbox are dropped
		}
	}
}
