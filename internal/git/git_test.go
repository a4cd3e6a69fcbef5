package git

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/subsync/internal/testutil"
)

// writePatch formats commit from src restricted to lib/ and stores it in a temp file.
func writePatch(t *testing.T, client *ShellClient, src *testutil.Repo, commit string) string {
	t.Helper()
	data, err := client.FormatPatch(context.Background(), src.Dir, commit, "lib/", "lib")
	if err != nil {
		t.Fatalf("FormatPatch: %v", err)
	}
	path := filepath.Join(t.TempDir(), "0001.patch")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRevList_ScopedAndOrdered(t *testing.T) {
	ctx := context.Background()
	src := testutil.NewRepo(t, "main")
	c1 := src.Commit("c1", map[string]string{"lib/a.txt": "one\n"})
	c2 := src.Commit("c2", map[string]string{"lib/a.txt": "two\n"})
	src.Commit("outside", map[string]string{"docs/readme.md": "hi\n"})
	c4 := src.Commit("c4", map[string]string{"lib/b.txt": "b\n"})

	client := NewShellClient("")
	got, err := client.RevList(ctx, src.Dir, []string{c1 + "..main"}, "lib", true)
	if err != nil {
		t.Fatalf("RevList: %v", err)
	}

	want := []string{c2, c4}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("RevList() = %v, want %v", got, want)
	}
}

func TestFormatPatch_RelativePaths(t *testing.T) {
	src := testutil.NewRepo(t, "main")
	src.Commit("c1", map[string]string{"lib/a.txt": "one\n"})
	c2 := src.Commit("change a", map[string]string{"lib/a.txt": "two\n", "docs/x.md": "x\n"})

	data, err := NewShellClient("").FormatPatch(context.Background(), src.Dir, c2, "lib/", "lib")
	if err != nil {
		t.Fatalf("FormatPatch: %v", err)
	}

	patch := string(data)
	if !strings.Contains(patch, "Subject: [PATCH] change a") {
		t.Errorf("patch is missing subject:\n%s", patch)
	}
	if !strings.Contains(patch, "diff --git a/a.txt b/a.txt") {
		t.Errorf("patch paths are not relative to lib/:\n%s", patch)
	}
	if strings.Contains(patch, "docs/x.md") {
		t.Errorf("patch leaks out-of-scope file:\n%s", patch)
	}
}

func TestAm_AppliesWithAuthorAndDirectory(t *testing.T) {
	ctx := context.Background()
	client := NewShellClient("")

	src := testutil.NewRepo(t, "main")
	src.Commit("c1", map[string]string{"lib/a.txt": "one\n"})
	src.WriteFile("lib/a.txt", "two\n")
	src.Git("commit", "-q", "-a", "-m", "by alice", "--author=Alice <alice@example.com>")
	c2 := src.Head()

	dst := testutil.NewRepo(t, "main")
	dst.Commit("seed", map[string]string{"vendor/lib/a.txt": "one\n"})

	patch := writePatch(t, client, src, c2)
	if err := client.Am(ctx, dst.Dir, patch, "vendor/lib"); err != nil {
		t.Fatalf("Am: %v", err)
	}

	if got := dst.ReadFile("vendor/lib/a.txt"); got != "two\n" {
		t.Errorf("content = %q, want %q", got, "two\n")
	}
	if got := dst.Git("log", "-1", "--format=%an <%ae>|%s"); got != "Alice <alice@example.com>|by alice" {
		t.Errorf("last commit = %q", got)
	}

	pending, err := client.AmInProgress(ctx, dst.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if pending {
		t.Error("expected no am in progress after a clean apply")
	}
}

func TestAm_ConflictLeavesUnmergedPaths(t *testing.T) {
	ctx := context.Background()
	client := NewShellClient("")

	src := testutil.NewRepo(t, "main")
	src.Commit("c1", map[string]string{"lib/a.txt": "one\n"})
	c2 := src.Commit("c2", map[string]string{"lib/a.txt": "two\n"})

	dst := testutil.NewRepo(t, "main")
	dst.Commit("seed", map[string]string{"a.txt": "one\n"})
	dst.Commit("diverge", map[string]string{"a.txt": "three\n"})
	before := dst.Head()

	patch := writePatch(t, client, src, c2)
	if err := client.Am(ctx, dst.Dir, patch, ""); err == nil {
		t.Fatal("expected am to fail on conflicting content")
	}

	pending, err := client.AmInProgress(ctx, dst.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if !pending {
		t.Fatal("expected am in progress after conflict")
	}

	unmerged, err := client.UnmergedPaths(ctx, dst.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(unmerged) != 1 || unmerged[0] != "a.txt" {
		t.Errorf("UnmergedPaths() = %v, want [a.txt]", unmerged)
	}

	if err := client.AmAbort(ctx, dst.Dir); err != nil {
		t.Fatalf("AmAbort: %v", err)
	}
	if pending, _ = client.AmInProgress(ctx, dst.Dir); pending {
		t.Error("expected no am in progress after abort")
	}
	if got := dst.Head(); got != before {
		t.Errorf("HEAD moved after abort: %s != %s", got, before)
	}
	if got := dst.ReadFile("a.txt"); got != "three\n" {
		t.Errorf("content after abort = %q", got)
	}
}

func TestAm_EmptyPatch(t *testing.T) {
	ctx := context.Background()
	client := NewShellClient("")

	dst := testutil.NewRepo(t, "main")
	dst.Commit("seed", map[string]string{"a.txt": "one\n"})
	before := dst.Head()

	mbox := strings.Join([]string{
		"From 0000000000000000000000000000000000000000 Mon Sep 17 00:00:00 2001",
		"From: Test <test@test.com>",
		"Date: Mon, 1 Jan 2024 00:00:00 +0000",
		"Subject: [PATCH] nothing to see",
		"",
		"---",
		"",
	}, "\n")
	patch := filepath.Join(t.TempDir(), "0001.patch")
	if err := os.WriteFile(patch, []byte(mbox), 0644); err != nil {
		t.Fatal(err)
	}

	err := client.Am(ctx, dst.Dir, patch, "")
	if !errors.Is(err, ErrEmptyPatch) {
		t.Fatalf("Am() error = %v, want ErrEmptyPatch", err)
	}
	if err := client.AmSkip(ctx, dst.Dir); err != nil {
		t.Fatalf("AmSkip: %v", err)
	}
	if got := dst.Head(); got != before {
		t.Errorf("HEAD moved: %s != %s", got, before)
	}
}

func TestAm_AlreadyAppliedCreatesNoCommit(t *testing.T) {
	ctx := context.Background()
	client := NewShellClient("")

	src := testutil.NewRepo(t, "main")
	src.Commit("c1", map[string]string{"lib/a.txt": "one\n"})
	c2 := src.Commit("c2", map[string]string{"lib/a.txt": "two\n"})

	dst := testutil.NewRepo(t, "main")
	dst.Commit("seed", map[string]string{"a.txt": "one\n"})
	dst.Commit("same change", map[string]string{"a.txt": "two\n"})
	before := dst.Head()

	if err := client.Am(ctx, dst.Dir, writePatch(t, client, src, c2), ""); err != nil {
		if !errors.Is(err, ErrEmptyPatch) {
			t.Fatalf("Am() error = %v, want nil or ErrEmptyPatch", err)
		}
		if err := client.AmSkip(ctx, dst.Dir); err != nil {
			t.Fatalf("AmSkip: %v", err)
		}
	}
	if got := dst.Head(); got != before {
		t.Errorf("HEAD moved: %s != %s", got, before)
	}
}

func TestAm_MissingBaseIsNotEmpty(t *testing.T) {
	ctx := context.Background()
	client := NewShellClient("")

	src := testutil.NewRepo(t, "main")
	src.Commit("c1", map[string]string{"lib/a.txt": "two\n"})
	c2 := src.Commit("c2", map[string]string{"lib/a.txt": "TWO\n"})

	dst := testutil.NewRepo(t, "main")
	dst.Commit("seed", map[string]string{"a.txt": "unrelated\n"})

	err := client.Am(ctx, dst.Dir, writePatch(t, client, src, c2), "")
	if err == nil {
		t.Fatal("expected am to fail without the base blob")
	}
	if errors.Is(err, ErrEmptyPatch) {
		t.Errorf("Am() error = %v, must not be ErrEmptyPatch", err)
	}

	unmerged, err := client.UnmergedPaths(ctx, dst.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(unmerged) != 0 {
		t.Errorf("UnmergedPaths() = %v, want none", unmerged)
	}
	if pending, _ := client.AmInProgress(ctx, dst.Dir); !pending {
		t.Error("expected am in progress after a failed apply")
	}
}

func TestAmError(t *testing.T) {
	tests := []struct {
		output    string
		wantEmpty bool
	}{
		{"Applying: x\nPatch is empty.", true},
		{"Applying: x\nNo changes -- Patch already applied.", true},
		{"No changes - did you forget to use 'git add'?", true},
		{"error: patch failed: a.txt:1\nPatch failed at 0001 x", false},
		{"error: repository lacks the necessary blob to perform 3-way merge.", false},
	}
	for _, tt := range tests {
		err := amError("git am", errors.New("exit status 128: "+tt.output))
		if got := errors.Is(err, ErrEmptyPatch); got != tt.wantEmpty {
			t.Errorf("amError(%q) empty = %v, want %v", tt.output, got, tt.wantEmpty)
		}
		if !strings.HasPrefix(err.Error(), "git am failed: ") {
			t.Errorf("amError(%q) = %q", tt.output, err)
		}
	}
}

func TestStashRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := NewShellClient("")
	dst := testutil.NewRepo(t, "main")
	dst.Commit("seed", map[string]string{"a.txt": "one\n"})

	clean, err := client.IsClean(ctx, dst.Dir)
	if err != nil || !clean {
		t.Fatalf("IsClean() = %v, %v; want true", clean, err)
	}

	dst.WriteFile("a.txt", "dirty\n")
	dst.WriteFile("new.txt", "untracked\n")
	if clean, _ = client.IsClean(ctx, dst.Dir); clean {
		t.Fatal("expected dirty tree")
	}

	if err := client.StashPush(ctx, dst.Dir, "test stash"); err != nil {
		t.Fatalf("StashPush: %v", err)
	}
	if clean, _ = client.IsClean(ctx, dst.Dir); !clean {
		t.Fatal("expected clean tree after stash")
	}

	if err := client.StashPop(ctx, dst.Dir); err != nil {
		t.Fatalf("StashPop: %v", err)
	}
	if got := dst.ReadFile("new.txt"); got != "untracked\n" {
		t.Errorf("untracked file not restored: %q", got)
	}
}

func TestBranches(t *testing.T) {
	ctx := context.Background()
	client := NewShellClient("")
	dst := testutil.NewRepo(t, "main")
	head := dst.Commit("seed", map[string]string{"a.txt": "one\n"})

	branch, err := client.CurrentBranch(ctx, dst.Dir)
	if err != nil || branch != "main" {
		t.Fatalf("CurrentBranch() = %q, %v", branch, err)
	}

	exists, err := client.BranchExists(ctx, dst.Dir, "sync")
	if err != nil || exists {
		t.Fatalf("BranchExists(sync) = %v, %v; want false", exists, err)
	}

	if err := client.Checkout(ctx, dst.Dir, "sync", true); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if branch, _ = client.CurrentBranch(ctx, dst.Dir); branch != "sync" {
		t.Errorf("CurrentBranch() = %q, want sync", branch)
	}
	if exists, _ = client.BranchExists(ctx, dst.Dir, "sync"); !exists {
		t.Error("expected branch sync to exist")
	}

	got, err := client.HeadHash(ctx, dst.Dir)
	if err != nil || got != head {
		t.Errorf("HeadHash() = %q, %v; want %q", got, err, head)
	}

	dst.Git("checkout", "-q", "--detach")
	if branch, _ = client.CurrentBranch(ctx, dst.Dir); branch != "" {
		t.Errorf("CurrentBranch() on detached HEAD = %q, want empty", branch)
	}

	gitDir, err := client.GitDir(ctx, dst.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if gitDir != filepath.Join(dst.Dir, ".git") {
		t.Errorf("GitDir() = %q", gitDir)
	}
}

func TestInsertGitFlags(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		flags []string
		want  []string
	}{
		{
			name:  "insert before subcommand",
			args:  []string{"git", "am", "--3way", "0001.patch"},
			flags: []string{"-c", "key=value"},
			want:  []string{"git", "-c", "key=value", "am", "--3way", "0001.patch"},
		},
		{
			name:  "insert before directory flag",
			args:  []string{"git", "-C", "/dir", "stash", "pop"},
			flags: []string{"-c", "core.quotepath=off"},
			want:  []string{"git", "-c", "core.quotepath=off", "-C", "/dir", "stash", "pop"},
		},
		{
			name:  "empty args",
			args:  []string{},
			flags: []string{"-c", "key=value"},
			want:  []string{"-c", "key=value"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := insertGitFlags(tt.args, tt.flags...)
			if len(got) != len(tt.want) {
				t.Fatalf("insertGitFlags() length = %d, want %d\ngot:  %v\nwant: %v", len(got), len(tt.want), got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("insertGitFlags()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
