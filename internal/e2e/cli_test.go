package e2e

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestCLISessionLifecycle(t *testing.T) {
	root := repoRoot(t)
	binPath := buildTimeloop(t, root)

	workDir := t.TempDir()
	stateFile := filepath.Join(workDir, "state.json")
	env := append(os.Environ(),
		"TIMELOOP_HOME="+filepath.Join(workDir, "home"),
		"TIMELOOP_PASSPHRASE=e2e-secret",
		"TIMELOOP_NEW_PASSPHRASE=e2e-rotated",
	)
	timeloop := func(arguments ...string) (int, []byte) {
		t.Helper()
		base := []string{"--file", stateFile, "--argon2-memory-kib", "1024", "--argon2-iterations", "1", "--json"}
		cmd := exec.Command(binPath, append(base, arguments...)...)
		cmd.Dir = workDir
		cmd.Env = env
		out, err := cmd.Output()
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), out
		}
		if err != nil {
			t.Fatalf("run timeloop %v: %v", arguments, err)
		}
		return 0, out
	}

	code, out := timeloop("new", "e2e")
	if code != 0 {
		t.Fatalf("new: exit %d output %s", code, out)
	}
	var created struct {
		OK     bool `json:"ok"`
		Result struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"result"`
	}
	if err := json.Unmarshal(out, &created); err != nil || !created.OK || created.Result.Name != "e2e" {
		t.Fatalf("unexpected new output %s err=%v", out, err)
	}
	raw, err := os.ReadFile(stateFile)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if strings.Contains(string(raw), "e2e") {
		t.Fatalf("state file is not encrypted: %s", raw)
	}

	if code, out := timeloop("rekey"); code != 0 {
		t.Fatalf("rekey: exit %d output %s", code, out)
	}
	if code, _ := timeloop("list"); code != 2 {
		t.Fatalf("expected decryption failure with the old passphrase, got %d", code)
	}
	env = append(env, "TIMELOOP_PASSPHRASE=e2e-rotated")
	code, out = timeloop("summary", created.Result.ID)
	if code != 0 || !strings.Contains(string(out), `"commands_executed":0`) {
		t.Fatalf("summary: exit %d output %s", code, out)
	}

	bundle := filepath.Join(workDir, "e2e.bundle.json")
	if code, out := timeloop("export", created.Result.ID, bundle); code != 0 {
		t.Fatalf("export: exit %d output %s", code, out)
	}
	if code, out := timeloop("compact"); code != 0 {
		t.Fatalf("compact: exit %d output %s", code, out)
	}
	code, out = timeloop("stats")
	if code != 0 || !strings.Contains(string(out), `"encrypted":true`) || !strings.Contains(string(out), `"sessions":1`) {
		t.Fatalf("stats: exit %d output %s", code, out)
	}
}

func buildTimeloop(t *testing.T, root string) string {
	t.Helper()
	binName := "timeloop"
	if runtime.GOOS == "windows" {
		binName = "timeloop.exe"
	}
	binPath := filepath.Join(t.TempDir(), binName)
	build := exec.Command("go", "build", "-o", binPath, "./cmd/timeloop")
	build.Dir = root
	if out, err := build.CombinedOutput(); err != nil {
		t.Fatalf("build timeloop: %v\n%s", err, string(out))
	}
	return binPath
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatalf("unable to locate test file")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), "..", ".."))
}
