package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"runbox/internal/run/model"
	"runbox/internal/run/sandbox/engine"
)

type fakeEngine struct {
	mu      sync.Mutex
	specs   []engine.Spec
	outcome engine.Outcome
	err     error
	killed  []string
}

func (f *fakeEngine) Run(ctx context.Context, spec engine.Spec) (engine.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	return f.outcome, f.err
}

func (f *fakeEngine) Kill(runID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, runID)
	return true
}

func newFakeExecutor(t *testing.T, eng *fakeEngine) *SandboxExecutor {
	t.Helper()
	reg, err := NewRegistry(DefaultRuntimes()...)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	ex, err := NewExecutor(eng, reg, Config{WorkRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	ex.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	return ex
}

func newRealExecutor(t *testing.T, binary string) *SandboxExecutor {
	t.Helper()
	if _, err := exec.LookPath(binary); err != nil {
		t.Skipf("%s not available: %v", binary, err)
	}
	eng, err := engine.NewEngine(engine.Config{KillGrace: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	reg, err := NewRegistry(DefaultRuntimes()...)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	ex, err := NewExecutor(eng, reg, Config{WorkRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return ex
}

func TestExecuteMissingEntrypoint(t *testing.T) {
	eng := &fakeEngine{}
	ex := newFakeExecutor(t, eng)

	res, err := ex.Execute(context.Background(), Request{
		RunID:      "r1",
		Files:      map[string]string{"other.py": "print(1)"},
		Language:   model.LanguagePython,
		Entrypoint: "main.py",
		TimeLimit:  time.Second,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != model.StatusFailed || res.Stderr != "entrypoint main.py not found" || res.WallMs != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(eng.specs) != 0 {
		t.Fatalf("engine must not run")
	}
}

func TestExecuteUnsupportedLanguage(t *testing.T) {
	eng := &fakeEngine{}
	ex := newFakeExecutor(t, eng)

	res, _ := ex.Execute(context.Background(), Request{
		RunID:      "r1",
		Files:      map[string]string{"main.rb": "puts 1"},
		Language:   "ruby",
		Entrypoint: "main.rb",
	})
	if res.Status != model.StatusFailed || !strings.Contains(res.Stderr, "ruby") {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(eng.specs) != 0 {
		t.Fatalf("engine must not run")
	}
}

func TestExecuteRuntimeNotInstalled(t *testing.T) {
	ex := newFakeExecutor(t, &fakeEngine{})
	ex.lookPath = func(name string) (string, error) { return "", exec.ErrNotFound }

	res, _ := ex.Execute(context.Background(), Request{
		RunID:      "r1",
		Files:      map[string]string{"main.js": "console.log(1)"},
		Language:   model.LanguageJavaScript,
		Entrypoint: "main.js",
	})
	if res.Status != model.StatusFailed || res.Stderr != "node runtime not installed" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecuteRejectsEscapingPath(t *testing.T) {
	eng := &fakeEngine{}
	ex := newFakeExecutor(t, eng)

	res, _ := ex.Execute(context.Background(), Request{
		RunID:      "r1",
		Files:      map[string]string{"main.py": "print(1)", "../evil.py": "x"},
		Language:   model.LanguagePython,
		Entrypoint: "main.py",
	})
	if res.Status != model.StatusFailed || !strings.Contains(res.Stderr, "invalid file path") {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(eng.specs) != 0 {
		t.Fatalf("engine must not run")
	}
}

func TestExecuteBuildsSpec(t *testing.T) {
	eng := &fakeEngine{outcome: engine.Outcome{Stdout: "hi\n", WallMs: 12, MemoryKB: 2048}}
	ex := newFakeExecutor(t, eng)

	res, err := ex.Execute(context.Background(), Request{
		RunID:      "r1",
		Files:      map[string]string{"src/main.py": "print('hi')"},
		Language:   model.LanguagePython,
		Entrypoint: "src/main.py",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != model.StatusSucceeded || res.Stdout != "hi\n" || res.WallMs != 12 || res.MemoryMB != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	spec := eng.specs[0]
	if spec.WallTimeout != DefaultTimeLimit {
		t.Fatalf("expected default limit, got %v", spec.WallTimeout)
	}
	want := []string{"/usr/bin/python3", "-u", "src/main.py"}
	if strings.Join(spec.Cmd, " ") != strings.Join(want, " ") {
		t.Fatalf("unexpected command: %v", spec.Cmd)
	}
	if _, err := os.Stat(spec.WorkDir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected workspace removal, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name       string
		out        engine.Outcome
		wantStatus model.Status
		wantStderr string
	}{
		{"success", engine.Outcome{}, model.StatusSucceeded, ""},
		{"nonzero exit", engine.Outcome{ExitCode: 1, Stderr: "Traceback"}, model.StatusFailed, "Traceback"},
		{"timeout", engine.Outcome{TimedOut: true, Signal: "killed"}, model.StatusFailed, "python execution timed out after 2s"},
		{"operator kill", engine.Outcome{Killed: true, Signal: "killed"}, model.StatusKilled, "killed"},
		{"oom", engine.Outcome{OomKilled: true, Stderr: "partial"}, model.StatusFailed, "partial\nmemory limit exceeded"},
		{"signal", engine.Outcome{Signal: "segmentation fault"}, model.StatusFailed, "terminated by signal: segmentation fault"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := classify(model.LanguagePython, 2*time.Second, tc.out)
			if res.Status != tc.wantStatus {
				t.Fatalf("expected %s, got %s", tc.wantStatus, res.Status)
			}
			if res.Stderr != tc.wantStderr {
				t.Fatalf("unexpected stderr: %q", res.Stderr)
			}
		})
	}
}

func TestExecuteAbandonedOnCancel(t *testing.T) {
	eng := &fakeEngine{err: context.Canceled}
	ex := newFakeExecutor(t, eng)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ex.Execute(ctx, Request{
		RunID:      "r1",
		Files:      map[string]string{"main.py": "print(1)"},
		Language:   model.LanguagePython,
		Entrypoint: "main.py",
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancel error, got %v", err)
	}
}

func TestKillForwardsToEngine(t *testing.T) {
	eng := &fakeEngine{}
	ex := newFakeExecutor(t, eng)
	if !ex.Kill("r9") || len(eng.killed) != 1 || eng.killed[0] != "r9" {
		t.Fatalf("kill not forwarded: %v", eng.killed)
	}
}

func TestKillBeforeExecuteFinishesKilled(t *testing.T) {
	ex := newRealExecutor(t, "python3")
	// The kill lands while the worker is still fetching the snapshot.
	ex.Kill("r-early")

	res, err := ex.Execute(context.Background(), Request{
		RunID:      "r-early",
		Files:      map[string]string{"main.py": "import time\ntime.sleep(30)\n"},
		Language:   model.LanguagePython,
		Entrypoint: "main.py",
		TimeLimit:  10 * time.Second,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != model.StatusKilled {
		t.Fatalf("expected killed, got %+v", res)
	}
}

func TestPythonHelloWorld(t *testing.T) {
	ex := newRealExecutor(t, "python3")
	res, err := ex.Execute(context.Background(), Request{
		RunID:      "py-hello",
		Files:      map[string]string{"main.py": "print('hi')"},
		Language:   model.LanguagePython,
		Entrypoint: "main.py",
		TimeLimit:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != model.StatusSucceeded || strings.TrimSpace(res.Stdout) != "hi" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPythonRuntimeFault(t *testing.T) {
	ex := newRealExecutor(t, "python3")
	res, _ := ex.Execute(context.Background(), Request{
		RunID:      "py-fault",
		Files:      map[string]string{"main.py": "print('before')\n1/0\n"},
		Language:   model.LanguagePython,
		Entrypoint: "main.py",
		TimeLimit:  5 * time.Second,
	})
	if res.Status != model.StatusFailed {
		t.Fatalf("expected failed, got %+v", res)
	}
	if !strings.Contains(res.Stderr, "ZeroDivisionError") || strings.TrimSpace(res.Stdout) != "before" {
		t.Fatalf("unexpected output: %+v", res)
	}
}

func TestPythonTimeout(t *testing.T) {
	ex := newRealExecutor(t, "python3")
	start := time.Now()
	res, _ := ex.Execute(context.Background(), Request{
		RunID:      "py-loop",
		Files:      map[string]string{"main.py": "while True:\n    pass\n"},
		Language:   model.LanguagePython,
		Entrypoint: "main.py",
		TimeLimit:  time.Second,
	})
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("timeout not enforced, took %v", elapsed)
	}
	if res.Status != model.StatusFailed || !strings.Contains(res.Stderr, "python execution timed out after 1s") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestConcurrentRunsAreIsolated(t *testing.T) {
	ex := newRealExecutor(t, "python3")
	script := "import time\n" +
		"open('state.txt', 'w').write(open('id.txt').read())\n" +
		"time.sleep(0.3)\n" +
		"print(open('state.txt').read())\n"

	var wg sync.WaitGroup
	results := make([]model.Result, 2)
	for i, id := range []string{"alpha", "beta"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i], _ = ex.Execute(context.Background(), Request{
				RunID:      "iso-" + id,
				Files:      map[string]string{"main.py": script, "id.txt": id},
				Language:   model.LanguagePython,
				Entrypoint: "main.py",
				TimeLimit:  5 * time.Second,
			})
		}(i, id)
	}
	wg.Wait()

	for i, id := range []string{"alpha", "beta"} {
		if results[i].Status != model.StatusSucceeded || strings.TrimSpace(results[i].Stdout) != id {
			t.Fatalf("run %s saw foreign state: %+v", id, results[i])
		}
	}
}

func TestSafeJoin(t *testing.T) {
	root := t.TempDir()
	for _, bad := range []string{"", "..", "../x", "/etc/passwd", "a/../../x"} {
		if _, err := safeJoin(root, bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
	got, err := safeJoin(root, "pkg/./util.py")
	if err != nil || got != filepath.Join(root, "pkg", "util.py") {
		t.Fatalf("unexpected join: %q %v", got, err)
	}
}

func TestRegistryRejectsEmptyTemplate(t *testing.T) {
	if _, err := NewRegistry(Runtime{Language: "python"}); err == nil {
		t.Fatalf("expected error for empty template")
	}
}
