package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testInstance(t *testing.T) *Instance {
	t.Helper()
	workspace := t.TempDir()
	repo := filepath.Join(workspace, "repo")
	if err := os.MkdirAll(repo, 0755); err != nil {
		t.Fatal(err)
	}
	return &Instance{
		id:        "sandbox-m1-aabbccdd-11223344",
		workspace: workspace,
		repoDir:   repo,
		shell:     "bash",
	}
}

func TestContainerWorkdirTranslation(t *testing.T) {
	inst := testInstance(t)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty defaults to repo", "", "/workspace/repo"},
		{"container path passes through", "/workspace/repo/src", "/workspace/repo/src"},
		{"host repo path translates", filepath.Join(inst.workspace, "repo", "src"), "/workspace/repo/src"},
		{"host workspace root translates", inst.workspace, "/workspace"},
		{"foreign host path falls back", "/etc", "/workspace/repo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inst.containerWorkdir(tt.in); got != tt.want {
				t.Errorf("containerWorkdir(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRepoFileRejectsEscapes(t *testing.T) {
	inst := testInstance(t)

	for _, path := range []string{"../outside.txt", "a/../../outside", "../../etc/passwd"} {
		if _, err := inst.repoFile(path); err == nil {
			t.Errorf("repoFile(%q) accepted a path that escapes the repo", path)
		}
	}
	for _, path := range []string{"index.js", "src/app.js", "./a/b.txt", "/abs-is-repo-relative.txt", "a/../b.txt"} {
		if _, err := inst.repoFile(path); err != nil {
			t.Errorf("repoFile(%q) rejected a safe path: %v", path, err)
		}
	}
}

func TestWriteAndReadFileThroughMount(t *testing.T) {
	inst := testInstance(t)

	if err := inst.WriteFile("src/index.js", []byte("console.log('hi')\n")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := inst.ReadFile("src/index.js")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "console.log('hi')\n" {
		t.Errorf("content = %q", data)
	}

	if err := inst.WriteFile("../escape.txt", []byte("nope")); err == nil {
		t.Fatal("WriteFile accepted an escaping path")
	}
	if _, err := os.Stat(filepath.Join(inst.workspace, "escape.txt")); err == nil {
		t.Fatal("escaping file was created on disk")
	}
}

func TestBackgroundLaunchQuoting(t *testing.T) {
	// The launch line wraps the command in single quotes; embedded single
	// quotes must be escaped so the shell sees one argument.
	cmd := "echo 'it''s alive'"
	escaped := strings.ReplaceAll(cmd, "'", `'\''`)
	if want := `echo '\''it'\'''\''s alive'\''`; escaped != want {
		t.Fatalf("escape = %q, want %q", escaped, want)
	}
	launch := "nohup bash -c '" + escaped + "' > /tmp/bg-x.log 2>&1 & echo $! > /tmp/bg-x.log.pid"
	if !strings.Contains(launch, `'\''`) {
		t.Errorf("launch line lost the quote escape: %q", launch)
	}
}

func TestRandHex(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		h := randHex(8)
		if len(h) != 8 {
			t.Fatalf("randHex(8) length = %d", len(h))
		}
		for _, c := range h {
			if !strings.ContainsRune("0123456789abcdef", c) {
				t.Fatalf("randHex produced non-hex %q", h)
			}
		}
		seen[h] = true
	}
	if len(seen) < 90 {
		t.Errorf("randHex looks non-random: %d unique of 100", len(seen))
	}
}
