package executors

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"
)

const ENV_INPUT = "REEVE_INPUT"
const ENV_OUTPUT = "REEVE_OUTPUT"
const ENV_WORKSPACE = "REEVE_WORKSPACE"

// LocalBackend runs commands as child processes in a fresh temporary
// directory. A tar input is unpacked into the workspace, any input is also
// available as the file $REEVE_INPUT. The command publishes its artifact by
// writing $REEVE_OUTPUT.
type LocalBackend struct {
	// Parent of the temporary directories, the system default if empty.
	Root string
	// Inherited environment, e.g. PATH. Request env takes precedence.
	BaseEnv []string
	Logger  hclog.Logger
}

func (b *LocalBackend) Execute(ctx context.Context, request Request) (result Result, err error) {
	if len(request.Command) == 0 {
		err = fmt.Errorf("no command")
		return
	}

	logger := b.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	dir, err := os.MkdirTemp(b.Root, "reeve-")
	if err != nil {
		err = fmt.Errorf("error creating work directory - %w", err)
		return
	}
	defer func() {
		if removeErr := os.RemoveAll(dir); removeErr != nil {
			logger.Warn("error removing work directory", "dir", dir, "error", removeErr)
		}
	}()

	workspace := filepath.Join(dir, "workspace")
	inputFile := filepath.Join(dir, "input")
	outputFile := filepath.Join(dir, "output")

	if err = os.Mkdir(workspace, 0o755); err != nil {
		return
	}
	if err = os.WriteFile(inputFile, request.Input, 0o644); err != nil {
		return
	}
	if isTar(request.Input) {
		if err = extract(request.Input, workspace); err != nil {
			err = fmt.Errorf("error unpacking input - %w", err)
			return
		}
	}

	workdir := workspace
	if request.Directory != "" {
		if !filepath.IsLocal(request.Directory) {
			err = fmt.Errorf("directory %q leaves the workspace", request.Directory)
			return
		}
		workdir = filepath.Join(workspace, request.Directory)
	}

	logs := request.Logs
	if logs == nil {
		logs = io.Discard
	}

	cmd := exec.CommandContext(ctx, request.Command[0], request.Command[1:]...)
	cmd.Dir = workdir
	cmd.Env = append(append([]string(nil), b.BaseEnv...), environ(request.Env)...)
	cmd.Env = append(cmd.Env,
		ENV_INPUT+"="+inputFile,
		ENV_OUTPUT+"="+outputFile,
		ENV_WORKSPACE+"="+workspace,
	)
	cmd.Stdout = logs
	cmd.Stderr = logs

	logger.Debug("running command", "run", request.RunID, "stage", request.Stage, "command", request.Command[0], "dir", workdir)

	if runErr := cmd.Run(); runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
			return
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			err = runErr
			return
		}
		result.ExitStatus = exitErr.ExitCode()
		return
	}

	if request.Output != "" {
		content, readErr := os.ReadFile(outputFile)
		switch {
		case errors.Is(readErr, os.ErrNotExist):
		case readErr != nil:
			err = fmt.Errorf("error reading output - %w", readErr)
			return
		default:
			result.Artifact = content
		}
	}
	return
}

func environ(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]string, len(keys))
	for i, key := range keys {
		result[i] = key + "=" + env[key]
	}
	return result
}

func isTar(content []byte) bool {
	if len(content) == 0 {
		return false
	}
	_, err := tar.NewReader(bytes.NewReader(content)).Next()
	return err == nil
}

func extract(archive []byte, target string) error {
	tr := tar.NewReader(bytes.NewReader(archive))
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		name := filepath.FromSlash(strings.TrimPrefix(header.Name, "./"))
		if !filepath.IsLocal(name) {
			return fmt.Errorf("entry %q leaves the workspace", header.Name)
		}
		path := filepath.Join(target, name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode).Perm()|0o200)
			if err != nil {
				return err
			}
			_, err = io.Copy(f, tr)
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return err
			}

		case tar.TypeSymlink:
			if filepath.IsAbs(header.Linkname) || !filepath.IsLocal(filepath.Join(filepath.Dir(name), header.Linkname)) {
				return fmt.Errorf("link %q points outside the workspace", header.Name)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(header.Linkname, path); err != nil {
				return err
			}
		}
	}
}
