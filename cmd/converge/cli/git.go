package cli

import (
	"os/exec"
	"strings"

	"github.com/go-git/go-git/v5"

	"github.com/convergeio/converge/cmd/converge/cli/paths"
)

// gitContext resolves the capture context: current branch and recently
// changed files. Both degrade to empty outside a repository.
func gitContext() (branch string, recentFiles []string) {
	repo := openRepo()
	if repo != nil {
		if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
			branch = head.Name().Short()
		}
	}

	recentFiles = recentDiffFiles()
	if len(recentFiles) == 0 && repo != nil {
		recentFiles = dirtyWorktreeFiles(repo)
	}
	return branch, recentFiles
}

func openRepo() *git.Repository {
	root, err := paths.ProjectRoot()
	if err != nil {
		return nil
	}
	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil
	}
	return repo
}

// recentDiffFiles lists files changed in the last few commits.
func recentDiffFiles() []string {
	out, err := exec.Command("git", "diff", "--name-only", "HEAD~3").Output()
	if err != nil {
		return nil
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		files = append(files, line)
		if len(files) == maxRecentFiles {
			break
		}
	}
	return files
}

// dirtyWorktreeFiles lists modified and untracked files as a fallback
// when the commit diff is empty (fresh repos, shallow clones).
func dirtyWorktreeFiles(repo *git.Repository) []string {
	wt, err := repo.Worktree()
	if err != nil {
		return nil
	}
	status, err := wt.Status()
	if err != nil {
		return nil
	}
	var files []string
	for path, s := range status {
		if s.Worktree == git.Unmodified && s.Staging == git.Unmodified {
			continue
		}
		files = append(files, path)
		if len(files) == maxRecentFiles {
			break
		}
	}
	return files
}
