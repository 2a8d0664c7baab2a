package pool

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
)

var (
	// compileMtx guards the executable path so the worker binary is only
	// compiled once per test run.
	compileMtx sync.Mutex

	// workerExePath is empty until the initial compilation. Use
	// WorkerExecutable instead of reading it directly.
	workerExePath string
)

// WorkerExecutable returns a path to the worker binary, building it from
// the current tree on first use so tests always drive the most recent
// code. Subsequent calls reuse the compiled binary.
func WorkerExecutable(baseDir string) (string, error) {
	compileMtx.Lock()
	defer compileMtx.Unlock()

	if workerExePath != "" {
		return workerExePath, nil
	}

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return "", err
	}
	outputPath := filepath.Join(baseDir, "fwworker")
	if runtime.GOOS == "windows" {
		outputPath += ".exe"
	}

	cmd := exec.Command(
		"go", "build", "-o", outputPath,
		"github.com/rdkcentral/fwupdate-harness/cmd/fwworker",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("failed to build worker: %v\n%s", err, out)
	}

	workerExePath = outputPath
	return workerExePath, nil
}
