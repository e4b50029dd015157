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

// mergebot is invoked once per merge or revert attempt, triggered by a
// privileged chat command on a PR.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/acme/mergebot/git"
	"github.com/acme/mergebot/github"
	"github.com/acme/mergebot/merge"
	"github.com/acme/mergebot/rockset"
	"github.com/acme/mergebot/rules"
)

var (
	dryRun      = flag.Bool("dry-run", false, "Do not push and do not post comments or labels.")
	onGreen     = flag.Bool("on-green", false, "Merge once all signals are green.")
	onMandatory = flag.Bool("on-mandatory", false, "Merge once the mandatory signals are green.")
	landChecks  = flag.Bool("land-checks", false, "Run land-time validation on an ephemeral branch before merging.")
	revert      = flag.Bool("revert", false, "Revert the PR instead of merging it.")
	force       = flag.Bool("force", false, "Skip the mandatory checks. The CLA check is still required.")
	commentID   = flag.Int("comment-id", 0, "Database id of the triggering comment.")
	reason      = flag.String("reason", "", "Justification for the revert.")

	repoDir = flag.String("repo-dir", ".", "Path to the local checkout.")
	remote  = flag.String("remote", "origin", "Name of the git remote merges are pushed to.")
)

func main() {
	flag.Parse()
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logger := logrus.NewEntry(logrus.StandardLogger())

	if flag.NArg() != 1 {
		logrus.Fatal("Usage: mergebot [flags] <pr_num>")
	}
	prNum, err := strconv.Atoi(flag.Arg(0))
	if err != nil {
		logrus.WithError(err).Fatal("pr_num must be an integer.")
	}

	repo, err := git.NewRepo(*repoDir, *remote, logger)
	if err != nil {
		logrus.WithError(err).Fatal("Error opening the local checkout.")
	}
	org, project, err := repo.GhOwnerAndName()
	if err != nil {
		logrus.WithError(err).Fatal("Error determining the GitHub repository.")
	}

	token := os.Getenv("GITHUB_TOKEN")
	var ghc *github.Client
	if *dryRun {
		ghc = github.NewDryRunClient(token, logger)
	} else {
		ghc = github.NewClient(token, logger)
	}

	mergeRules, err := rules.Load(*repoDir, logger)
	if err != nil {
		logrus.WithError(err).Fatal("Error loading merge rules.")
	}
	if len(mergeRules) == 0 {
		// No rules in the checkout; fall back to the contents API.
		mergeRules, err = rules.LoadFromGitHub(ghc, org, project)
		if err != nil {
			logger.WithError(err).Warn("Could not load merge rules from GitHub.")
		}
	}

	analytics := rockset.NewClient(rockset.DefaultAPIServer, os.Getenv("ROCKSET_API_KEY"), logger)
	m := merge.NewMerger(ghc, repo, analytics, org, project, mergeRules, logger)

	opts := merge.Options{
		DryRun:              *dryRun,
		SkipMandatoryChecks: *force,
		LandChecks:          *landChecks,
		OnGreen:             *onGreen,
		OnMandatory:         *onMandatory,
		CommentID:           *commentID,
		Reason:              *reason,
	}

	fail := func(title string, err error) {
		if cerr := ghc.CreateComment(org, project, prNum, merge.FailureMessage(title, err)); cerr != nil {
			logger.WithError(cerr).Error("Error posting the failure comment.")
		}
		logger.WithError(err).Error(title)
		os.Exit(1)
	}

	if *revert {
		if err := m.Revert(prNum, opts); err != nil {
			fail(fmt.Sprintf("Reverting PR %d failed", prNum), err)
		}
		return
	}

	pr, err := github.NewPullRequest(ghc, org, project, prNum, logger)
	if err != nil {
		fail("Merge failed", err)
	}
	if pr.IsClosed() {
		if err := ghc.CreateComment(org, project, prNum, fmt.Sprintf("Can't merge closed PR #%d", prNum)); err != nil {
			logger.WithError(err).Error("Error posting comment.")
		}
		return
	}
	if pr.IsCrossRepo() && pr.IsGhstackPR() {
		if err := ghc.CreateComment(org, project, prNum, "Cross-repo ghstack merges are not supported"); err != nil {
			logger.WithError(err).Error("Error posting comment.")
		}
		return
	}

	if err := m.Merge(prNum, opts); err != nil {
		fail("Merge failed", err)
	}
}
