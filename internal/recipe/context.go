package recipe

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

// ContainerfileName is the recipe file written into build contexts and bundles.
const ContainerfileName = "Containerfile"

// MissingInputError reports a build input absent from the build context.
type MissingInputError struct {
	Role string
	Name string
	Dir  string
	Err  error
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("missing %s %s in build context %s: %v", e.Role, e.Name, e.Dir, e.Err)
}

func (e *MissingInputError) Unwrap() error { return e.Err }

var errNotRegular = errors.New("not a regular file")

// Inputs lists the build-context files the recipe reads, in a fixed order.
func (r Recipe) Inputs() []string {
	var out []string
	if r.Manifest != "" {
		out = append(out, r.Manifest)
	}
	if r.Executable != "" {
		out = append(out, r.Executable)
	}
	return out
}

// ValidateContext checks that every declared input is a regular file in dir.
func (r Recipe) ValidateContext(dir string) error {
	if r.Manifest != "" {
		if err := checkInput(dir, "manifest", r.Manifest); err != nil {
			return err
		}
	}
	return checkInput(dir, "executable", r.Executable)
}

func checkInput(dir, role, name string) error {
	if name == "" {
		return &MissingInputError{Role: role, Name: "(unset)", Dir: dir, Err: fs.ErrNotExist}
	}
	info, err := os.Stat(filepath.Join(dir, name))
	if err != nil {
		return &MissingInputError{Role: role, Name: name, Dir: dir, Err: err}
	}
	if !info.Mode().IsRegular() {
		return &MissingInputError{Role: role, Name: name, Dir: dir, Err: errNotRegular}
	}
	return nil
}

// InputsDigest hashes the recipe inputs found in dir. The same files always
// produce the same digest.
func (r Recipe) InputsDigest(dir string) (digest.Digest, error) {
	if err := r.ValidateContext(dir); err != nil {
		return "", err
	}
	digester := digest.Canonical.Digester()
	for _, name := range r.Inputs() {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(digester.Hash(), "%s\x00", name)
		_, err = io.Copy(digester.Hash(), f)
		_ = f.Close()
		if err != nil {
			return "", fmt.Errorf("hash %s: %w", name, err)
		}
	}
	return digester.Digest(), nil
}

// PrepareContext copies the recipe inputs from src into a fresh temporary
// build context and writes the rendered Containerfile next to them. The
// caller removes the returned directory.
func (r Recipe) PrepareContext(src string) (string, Rendered, error) {
	if err := r.ValidateContext(src); err != nil {
		return "", Rendered{}, err
	}
	rendered, err := r.Render()
	if err != nil {
		return "", Rendered{}, err
	}
	dir, err := os.MkdirTemp("", "appwatch-context-")
	if err != nil {
		return "", Rendered{}, err
	}
	for _, name := range r.Inputs() {
		if err := copyFile(filepath.Join(src, name), filepath.Join(dir, name)); err != nil {
			_ = os.RemoveAll(dir)
			return "", Rendered{}, err
		}
	}
	if err := os.WriteFile(filepath.Join(dir, ContainerfileName), rendered.Containerfile, 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return "", Rendered{}, err
	}
	return dir, rendered, nil
}

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
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", filepath.Base(src), err)
	}
	return out.Close()
}
