/*
Copyright 2022 The Mergebot Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package git drives the local working copy through git subprocesses. Calls
// are serialized; there is never concurrent mutation of the worktree.
package git

import (
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var remoteURLRE = regexp.MustCompile(`github\.com[:/]([^/]+)/(.+?)(?:\.git)?$`)

// Repo is a clone of a repository on disk.
type Repo struct {
	logger *logrus.Entry

	// dir is the location of the git repo.
	dir string
	// remote is the name of the remote merges are pushed to.
	remote string
	// git is the path to the git binary.
	git string
}

// NewRepo opens an existing working copy.
func NewRepo(dir, remote string, logger *logrus.Entry) (*Repo, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	g, err := exec.LookPath("git")
	if err != nil {
		return nil, pkgerrors.Wrap(err, "git is not installed")
	}
	return &Repo{
		logger: logger.WithField("client", "git"),
		dir:    dir,
		remote: remote,
		git:    g,
	}, nil
}

// Directory exposes the location of the git repo.
func (r *Repo) Directory() string { return r.dir }

// Remote is the name of the push remote.
func (r *Repo) Remote() string { return r.remote }

func (r *Repo) run(args ...string) (string, error) {
	r.logger.WithField("args", strings.Join(args, " ")).Debug("Running git")
	cmd := exec.Command(r.git, args...)
	cmd.Dir = r.dir
	b, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %v. output: %s", strings.Join(args, " "), err, string(b))
	}
	return strings.TrimRight(string(b), "\n"), nil
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch() (string, error) {
	return r.run("rev-parse", "--abbrev-ref", "HEAD")
}

// Checkout runs git checkout.
func (r *Repo) Checkout(ref string) error {
	_, err := r.run("checkout", ref)
	return err
}

// CheckoutNewBranch creates and checks out a branch at HEAD.
func (r *Repo) CheckoutNewBranch(branch string) error {
	_, err := r.run("checkout", "-b", branch)
	return err
}

// Fetch fetches ref from the remote into the local branch.
func (r *Repo) Fetch(ref, branch string) error {
	_, err := r.run("fetch", r.remote, fmt.Sprintf("%s:%s", ref, branch))
	return err
}

// RevList returns the revisions in from..to, newest first.
func (r *Repo) RevList(from, to string) ([]string, error) {
	out, err := r.run("rev-list", fmt.Sprintf("%s..%s", from, to))
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// CommitMessage returns the full message of the commit.
func (r *Repo) CommitMessage(ref string) (string, error) {
	return r.run("show", "-s", "--format=%B", ref)
}

// RevParse resolves a ref to an oid.
func (r *Repo) RevParse(ref string) (string, error) {
	return r.run("rev-parse", ref)
}

// TreeSHA returns the tree oid of the commit.
func (r *Repo) TreeSHA(ref string) (string, error) {
	return r.run("rev-parse", ref+"^{tree}")
}

// CherryPick applies the commit onto HEAD, recording its origin.
func (r *Repo) CherryPick(sha string) error {
	_, err := r.run("cherry-pick", "-x", sha)
	return err
}

// MergeSquash stages the tree of branch onto HEAD without committing.
func (r *Repo) MergeSquash(branch string) error {
	_, err := r.run("merge", "--squash", branch)
	return err
}

// CommitWithAuthor commits staged changes under an overridden author.
func (r *Repo) CommitWithAuthor(author, message string) error {
	_, err := r.run("commit", "--author", author, "-m", message)
	return err
}

// Revert creates the reverse commit of sha on HEAD.
func (r *Repo) Revert(sha string) error {
	_, err := r.run("revert", "--no-edit", sha)
	return err
}

// AmendCommitMessage replaces the message of the HEAD commit.
func (r *Repo) AmendCommitMessage(message string) error {
	_, err := r.run("commit", "--amend", "-m", message)
	return err
}

// Push pushes branch to the remote. In dry-run mode it only logs.
func (r *Repo) Push(branch string, dryRun bool) error {
	if dryRun {
		r.logger.Infof("[dry-run] push %s to %s", branch, r.remote)
		return nil
	}
	_, err := r.run("push", r.remote, branch)
	return err
}

// PushBranchForce force-pushes a branch, setting its upstream.
func (r *Repo) PushBranchForce(branch string) error {
	_, err := r.run("push", "-u", r.remote, branch, "--force")
	return err
}

// DeleteRemoteBranch removes the branch on the remote.
func (r *Repo) DeleteRemoteBranch(branch string) error {
	_, err := r.run("push", r.remote, "-d", branch)
	return err
}

// DeleteBranch removes the local branch, if it exists.
func (r *Repo) DeleteBranch(branch string) error {
	_, err := r.run("branch", "-D", branch)
	return err
}

// Config sets a local git configuration value.
func (r *Repo) Config(key, value string) error {
	_, err := r.run("config", key, value)
	return err
}

// CommitsResolvingGhPR lists the commits on branch whose message resolves
// the PR, newest first.
func (r *Repo) CommitsResolvingGhPR(branch string, prNum int) ([]string, error) {
	out, err := r.run("log", "--format=%H",
		fmt.Sprintf("--grep=Pull Request resolved:.*/pull/%d", prNum), branch)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// GhOwnerAndName parses the org and project out of the remote URL.
func (r *Repo) GhOwnerAndName() (string, string, error) {
	url, err := r.run("config", "--get", fmt.Sprintf("remote.%s.url", r.remote))
	if err != nil {
		return "", "", err
	}
	m := remoteURLRE.FindStringSubmatch(url)
	if m == nil {
		return "", "", fmt.Errorf("remote %q url %q does not look like a github repo", r.remote, url)
	}
	return m[1], m[2], nil
}
