package tools

import (
	"context"
	"strings"
	"testing"
)

type fakeExecutor struct {
	gotCmd, gotDir string
	stdout, stderr string
	exitCode       int
	err            error
}

func (f *fakeExecutor) Exec(_ context.Context, cmd, workDir string) (string, string, int, error) {
	f.gotCmd, f.gotDir = cmd, workDir
	return f.stdout, f.stderr, f.exitCode, f.err
}

func TestCheckCommand(t *testing.T) {
	tests := []struct {
		cmd     string
		wantErr bool
	}{
		{"go test ./...", false},
		{"echo hello | grep hello", false},
		{"rm -rf build && make", false},
		{"cd web; npm ci", false},
		{"echo $(git rev-parse HEAD)", false},
		{"", true},
		{"make && sudo make install", true},
		{"CGO_ENABLED=0 /usr/bin/sudo go build", true},
		{"ls\nreboot", true},
		{"mkfs.ext4 /dev/sdb1", true},
	}
	for _, tt := range tests {
		err := checkCommand(tt.cmd)
		if (err != nil) != tt.wantErr {
			t.Errorf("checkCommand(%q) = %v, wantErr %v", tt.cmd, err, tt.wantErr)
		}
	}
}

func TestProgramOf(t *testing.T) {
	tests := map[string]string{
		"go test":               "go",
		"FOO=1 BAR=2 make lint": "make",
		"/usr/local/bin/npm ci": "npm",
		"./gradlew build":       "gradlew",
		"":                      "",
	}
	for seg, want := range tests {
		if got := programOf(seg); got != want {
			t.Errorf("programOf(%q) = %q, want %q", seg, got, want)
		}
	}
}

func TestSplitCommandSegments(t *testing.T) {
	got := splitCommandSegments("echo a | grep a && echo b || echo c; ls\npwd")
	want := []string{"echo a", "grep a", "echo b", "echo c", "ls", "pwd"}
	if len(got) != len(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("segment %d = %q, want %q", i, got[i], want[i])
		}
	}
	if segs := splitCommandSegments("   "); len(segs) != 0 {
		t.Fatalf("expected no segments, got %q", segs)
	}
}

func TestTruncateOutput_KeepsHeadAndTail(t *testing.T) {
	if got := truncateOutput("short", 100); got != "short" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("a", 60) + strings.Repeat("z", 60)
	got := truncateOutput(long, 40)
	if !strings.HasPrefix(got, strings.Repeat("a", 20)) || !strings.HasSuffix(got, strings.Repeat("z", 20)) {
		t.Fatalf("head or tail lost: %q", got)
	}
	if !strings.Contains(got, "(80 bytes truncated)") {
		t.Fatalf("missing truncation marker: %q", got)
	}
}

func TestFormatCommandOutput(t *testing.T) {
	if got := formatCommandOutput("", "\n", 0); got != "Command executed." {
		t.Fatalf("got %q", got)
	}
	got := formatCommandOutput("PASS\n", "", 0)
	if got != "Command executed.\nOutput:\nPASS" {
		t.Fatalf("got %q", got)
	}
}

func TestExecuteCommand_UsesWorkspaceRoot(t *testing.T) {
	fake := &fakeExecutor{stdout: "ok\n", stderr: "warn", exitCode: 1}
	root := t.TempDir()
	r := NewRunner(root, 0, WithExecutor(fake))

	out, err := r.Run(context.Background(), Call{Name: ExecuteCommand, Params: map[string]string{"command": "go vet ./..."}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if fake.gotDir != root || fake.gotCmd != "go vet ./..." {
		t.Fatalf("executor got cmd=%q dir=%q", fake.gotCmd, fake.gotDir)
	}
	for _, want := range []string{"ok", "warn", "(exit code 1)"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
}

func TestExecuteCommand_DeniedNeverReachesExecutor(t *testing.T) {
	fake := &fakeExecutor{}
	r := NewRunner(t.TempDir(), 0, WithExecutor(fake))
	if _, err := r.Run(context.Background(), Call{Name: ExecuteCommand, Params: map[string]string{"command": "sudo ls"}}); err == nil {
		t.Fatal("expected blocked-program error")
	}
	if fake.gotCmd != "" {
		t.Fatalf("executor should not run, got %q", fake.gotCmd)
	}
}

func TestHostExecutor_Echo(t *testing.T) {
	stdout, _, code, err := HostExecutor{}.Exec(context.Background(), "echo hello", t.TempDir())
	if err != nil || code != 0 {
		t.Fatalf("exec: code=%d err=%v", code, err)
	}
	if strings.TrimSpace(stdout) != "hello" {
		t.Fatalf("stdout = %q", stdout)
	}
}
