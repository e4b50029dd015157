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

// Package merge contains the orchestrator that decides when a pull request
// may land, waits for CI to converge, drives git to produce the merge
// commit, and reports outcomes back to the PR. It also hosts the revert
// flow.
package merge

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/acme/mergebot/checks"
	"github.com/acme/mergebot/git"
	"github.com/acme/mergebot/github"
	"github.com/acme/mergebot/labels"
	"github.com/acme/mergebot/rockset"
	"github.com/acme/mergebot/rules"
)

// Comments by this account may bypass internal-change gating: it only
// comments as part of the co-development flow, and only unedited commands
// are trusted.
const trustedBotLogin = "facebook-github-bot"

// landCheckBaseBranch is the integration branch land validation builds on.
const landCheckBaseBranch = "viable/strict"

// prSnapshot is the view of a pull request the orchestrator works with.
// *github.PullRequest implements it; tests substitute fakes.
type prSnapshot interface {
	rules.PullRequest

	IsClosed() bool
	IsCrossRepo() bool
	IsGhstackPR() bool
	IsBaseRepoPrivate() bool
	HeadRef() string
	DefaultBranch() string
	Title() string
	Body() string
	CreatorLogin() string
	URL() string
	MergeCommitSHA() string
	LastPushedAt() time.Time
	Labels() []string
	Author() (string, error)
	MergeBase() (string, error)
	GetCheckConclusions() (map[string]*checks.JobCheckState, error)
	LastComment() (github.Comment, error)
	CommentByID(id int) (github.Comment, error)
}

type forgeClient interface {
	CreateComment(org, repo string, number int, comment string) error
	CreateCommitComment(org, repo, sha, comment string) error
	AddLabels(org, repo string, number int, labels []string) error
	FindIssues(query string) (*github.IssuesSearchResult, error)
	TeamMembers(org, slug string) ([]string, error)
	GetCommitCheckConclusions(org, project, commit string) (map[string]*checks.JobCheckState, error)
}

type gitRepo interface {
	Remote() string
	CurrentBranch() (string, error)
	Checkout(ref string) error
	CheckoutNewBranch(branch string) error
	Fetch(ref, branch string) error
	RevList(from, to string) ([]string, error)
	CommitMessage(ref string) (string, error)
	RevParse(ref string) (string, error)
	TreeSHA(ref string) (string, error)
	CherryPick(sha string) error
	MergeSquash(branch string) error
	CommitWithAuthor(author, message string) error
	Revert(sha string) error
	AmendCommitMessage(message string) error
	Push(branch string, dryRun bool) error
	PushBranchForce(branch string) error
	DeleteRemoteBranch(branch string) error
	DeleteBranch(branch string) error
	CommitsResolvingGhPR(branch string, prNum int) ([]string, error)
}

type historicalJobs interface {
	QueryJobs(headSHA, mergeBase string) ([]rockset.Job, error)
}

// Options configure a single merge or revert invocation.
type Options struct {
	DryRun              bool
	SkipMandatoryChecks bool
	LandChecks          bool
	// OnGreen and OnMandatory only adjust the wording of status comments;
	// the polling behavior is the same either way.
	OnGreen     bool
	OnMandatory bool
	// CommentID identifies the chat command that triggered the run; zero
	// means the latest comment.
	CommentID int
	// Reason is the free-form revert justification.
	Reason string

	TimeoutMinutes int
	StalePRDays    int
	PollInterval   time.Duration
}

func (o *Options) setDefaults() {
	if o.TimeoutMinutes == 0 {
		o.TimeoutMinutes = 400
	}
	if o.StalePRDays == 0 {
		o.StalePRDays = 3
	}
	if o.PollInterval == 0 {
		o.PollInterval = 5 * time.Minute
	}
}

// Merger owns one merge or revert attempt against a single repository.
type Merger struct {
	logger    *logrus.Entry
	ghc       forgeClient
	repo      gitRepo
	analytics historicalJobs

	org     string
	project string
	rules   []rules.MergeRule

	flakyRulesURL string
	fetchPR       func(num int) (prSnapshot, error)
	sleep         func(d time.Duration)
}

// NewMerger wires a Merger from concrete clients.
func NewMerger(ghc *github.Client, repo *git.Repo, analytics *rockset.Client, org, project string, mergeRules []rules.MergeRule, logger *logrus.Entry) *Merger {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	m := &Merger{
		logger:        logger.WithField("repo", org+"/"+project),
		ghc:           ghc,
		repo:          repo,
		analytics:     analytics,
		org:           org,
		project:       project,
		rules:         mergeRules,
		flakyRulesURL: checks.DefaultFlakyRulesURL,
		sleep:         time.Sleep,
	}
	m.fetchPR = func(num int) (prSnapshot, error) {
		return github.NewPullRequest(ghc, org, project, num, logger)
	}
	return m
}

// Merge lands the PR on the default branch, waiting for the CI signal to
// converge within the timeout. Every returned error is terminal.
func (m *Merger) Merge(prNum int, opts Options) error {
	opts.setDefaults()
	pr, err := m.fetchPR(prNum)
	if err != nil {
		return err
	}
	initialSHA := pr.LastCommitSHA()
	m.logger.Infof("Attempting merge of %s", initialSHA)

	// Requesting trunk CI on the PR implies an on-green merge.
	if labels.HasCiflowTrunkLabel(pr.Labels()) {
		opts.OnGreen = true
	}

	if pr.IsGhstackPR() {
		if _, err := m.ghstackPRs(pr); err != nil {
			return err
		}
	}
	if err := m.checkForSEV(opts.SkipMandatoryChecks); err != nil {
		return err
	}

	skipInternal, err := m.canSkipInternalChecks(pr, opts.CommentID)
	if err != nil {
		return err
	}
	if opts.SkipMandatoryChecks || skipInternal {
		// The PR is being closed as part of the co-development flow; do not
		// wait for any pending signal.
		if err := m.ghc.CreateComment(m.org, m.project, prNum, mergeStartedMessage(opts, "")); err != nil {
			return err
		}
		return m.mergeInto(pr, opts, "")
	}

	// Evaluate the rules once before starting land checks so that only
	// approved PRs spend CI cycles on land validation.
	conclusions, err := m.combinedChecks(pr, "")
	if err != nil {
		return err
	}
	if _, err := m.findRule(pr, conclusions, true, false); err != nil {
		return err
	}

	landCheckCommit := ""
	if opts.LandChecks && !opts.DryRun {
		landCheckCommit, err = m.createLandTimeCheckBranch(pr, landCheckBaseBranch, opts)
		if err != nil {
			return err
		}
	}

	if err := m.ghc.CreateComment(m.org, m.project, prNum, mergeStartedMessage(opts, landCheckCommit)); err != nil {
		return err
	}

	if time.Since(pr.LastPushedAt()) > time.Duration(opts.StalePRDays)*24*time.Hour {
		m.cleanupLandBranch(pr, opts, landCheckCommit)
		return fmt.Errorf("this PR is too stale; the last push date was more than %d days ago. Please rebase and try again", opts.StalePRDays)
	}

	start := time.Now()
	lastException := ""
	for time.Since(start) < time.Duration(opts.TimeoutMinutes)*time.Minute {
		if err := m.checkForSEV(opts.SkipMandatoryChecks); err != nil {
			m.cleanupLandBranch(pr, opts, landCheckCommit)
			return err
		}
		m.logger.Infof("Attempting merge of %s (%.1f minutes elapsed)", pr.URL(), time.Since(start).Minutes())
		fresh, err := m.fetchPR(prNum)
		if err != nil {
			m.cleanupLandBranch(pr, opts, landCheckCommit)
			return err
		}
		pr = fresh
		if pr.LastCommitSHA() != initialSHA {
			m.cleanupLandBranch(pr, opts, landCheckCommit)
			return errors.New("new commits were pushed while merging. Please rerun the merge command")
		}

		err = m.pollOnce(pr, opts, landCheckCommit)
		if err == nil {
			return nil
		}
		var pending *rules.MandatoryChecksMissingError
		if errors.As(err, &pending) {
			lastException = err.Error()
			m.logger.Infof("Merge of %s failed due to: %v. Retrying in %v", pr.URL(), err, opts.PollInterval)
			m.sleep(opts.PollInterval)
			continue
		}
		m.cleanupLandBranch(pr, opts, landCheckCommit)
		return err
	}

	if !opts.DryRun {
		if opts.LandChecks {
			m.deleteLandTimeCheckBranch(pr)
		}
		if err := m.ghc.AddLabels(m.org, m.project, prNum, []string{labels.LandFailed}); err != nil {
			m.logger.WithError(err).Warn("Could not add the land-failed label.")
		}
	}
	return fmt.Errorf("merge timed out after %d minutes. Please contact the infra team. The last exception was: %s",
		opts.TimeoutMinutes, lastException)
}

// pollOnce performs one iteration of the poll loop. A nil return means the
// PR was merged; a MandatoryChecksMissingError means try again later; any
// other error is terminal.
func (m *Merger) pollOnce(pr prSnapshot, opts Options, landCheckCommit string) error {
	var required []string
	var failedRule *rules.MandatoryChecksMissingError

	prConclusions, err := m.combinedChecks(pr, "")
	if err != nil {
		return err
	}
	if _, err := m.findRule(pr, prConclusions, false, false); err != nil {
		var pending *rules.MandatoryChecksMissingError
		if !errors.As(err, &pending) {
			return err
		}
		if pending.Rule != nil {
			required = pending.Rule.MandatoryChecksName
		}
		failedRule = pending
	}

	combined, err := m.combinedChecks(pr, landCheckCommit)
	if err != nil {
		return err
	}
	// In the poll loop every reported check counts, not just the rule's
	// mandatory ones.
	allRequired := append([]string{}, required...)
	for name := range combined {
		if !containsName(required, name) {
			allRequired = append(allRequired, name)
		}
	}
	pending, failing := rules.CategorizeChecks(combined, allRequired, rules.DefaultOkFailedThreshold)

	// GitHub is not great about surfacing workflow syntax errors; they
	// show up as startup failures on individual jobs.
	var startupFailures []*checks.JobCheckState
	for _, check := range combined {
		if check.Status == checks.StatusStartupFailure {
			startupFailures = append(startupFailures, check)
		}
	}
	if len(startupFailures) > 0 {
		var parts []string
		for i, check := range startupFailures {
			if i == 5 {
				break
			}
			parts = append(parts, fmt.Sprintf("[%s](%s)", check.Name, check.URL))
		}
		return fmt.Errorf("%d STARTUP failures reported, please check workflows syntax! %s",
			len(startupFailures), strings.Join(parts, ", "))
	}

	if len(failing) > 0 {
		var parts []string
		for i, check := range failing {
			if i == 5 {
				break
			}
			parts = append(parts, fmt.Sprintf("[%s](%s)", check.Name, check.URL))
		}
		return fmt.Errorf("%d jobs have failed, first few of them are: %s", len(failing), strings.Join(parts, ", "))
	}
	if len(pending) > 0 {
		if failedRule != nil {
			return failedRule
		}
		var names []string
		for i, check := range pending {
			if i == 5 {
				break
			}
			names = append(names, check.Name)
		}
		return &rules.MandatoryChecksMissingError{Message: fmt.Sprintf(
			"Still waiting for %d jobs to finish, first few of them are: %s",
			len(pending), strings.Join(names, ", "))}
	}

	if opts.LandChecks && landCheckCommit != "" {
		if err := m.validateLandTimeChecks(landCheckCommit); err != nil {
			return err
		}
	}
	return m.mergeInto(pr, opts, landCheckCommit)
}

// mergeInto produces the merge commit(s) and pushes. The rule evaluation
// here is the final authority; everything before it is advisory.
func (m *Merger) mergeInto(pr prSnapshot, opts Options, landCheckCommit string) error {
	skipInternal, err := m.canSkipInternalChecks(pr, opts.CommentID)
	if err != nil {
		return err
	}
	conclusions, err := m.combinedChecks(pr, landCheckCommit)
	if err != nil {
		return err
	}
	if _, err := m.findRule(pr, conclusions, opts.SkipMandatoryChecks, skipInternal); err != nil {
		return err
	}

	additional, err := m.mergeChanges(pr, "", opts, landCheckCommit)
	if err != nil {
		return err
	}
	if err := m.repo.Push(pr.DefaultBranch(), opts.DryRun); err != nil {
		return err
	}
	if opts.DryRun {
		return nil
	}
	if landCheckCommit != "" {
		if err := m.deleteLandTimeCheckBranch(pr); err != nil {
			m.logger.WithError(err).Warn("Could not delete the land-check branch.")
		}
	}
	if err := m.addNumberedLabel(pr, labels.Merged); err != nil {
		return err
	}
	for _, stacked := range additional {
		if err := m.addNumberedLabel(stacked, labels.Merged); err != nil {
			return err
		}
	}
	return nil
}

// mergeChanges commits the PR's changes onto branch (the default branch
// when empty) without pushing. For stacked PRs it returns the predecessors
// that were merged along the way.
func (m *Merger) mergeChanges(pr prSnapshot, branch string, opts Options, landCheckCommit string) ([]prSnapshot, error) {
	target := branch
	if target == "" {
		target = pr.DefaultBranch()
	}
	current, err := m.repo.CurrentBranch()
	if err != nil {
		return nil, err
	}
	if current != target {
		if err := m.repo.Checkout(target); err != nil {
			return nil, err
		}
	}
	if pr.IsGhstackPR() {
		return m.mergeGhstackInto(pr, opts, landCheckCommit)
	}

	msg, err := GenCommitMessage(pr, false)
	if err != nil {
		return nil, err
	}
	prBranch := fmt.Sprintf("__pull-request-%d__init__", pr.Num())
	if err := m.repo.Fetch(fmt.Sprintf("pull/%d/head", pr.Num()), prBranch); err != nil {
		return nil, err
	}
	if err := m.repo.MergeSquash(prBranch); err != nil {
		return nil, err
	}
	author, err := pr.Author()
	if err != nil {
		return nil, err
	}
	if err := m.repo.CommitWithAuthor(author, msg); err != nil {
		return nil, err
	}
	return nil, nil
}

// mergeGhstackInto cherry-picks every open PR of the stack up to and
// including pr onto HEAD. Each predecessor must itself satisfy a merge
// rule; the stack sync check already ran inside ghstackPRs.
func (m *Merger) mergeGhstackInto(pr prSnapshot, opts Options, landCheckCommit string) ([]prSnapshot, error) {
	stack, err := m.ghstackPRs(pr)
	if err != nil {
		return nil, err
	}
	skipInternal, err := m.canSkipInternalChecks(pr, opts.CommentID)
	if err != nil {
		return nil, err
	}
	var predecessors []prSnapshot
	for _, entry := range stack {
		msg, err := GenCommitMessage(entry.pr, true)
		if err != nil {
			return nil, err
		}
		if entry.pr.Num() != pr.Num() {
			conclusions, err := m.combinedChecks(entry.pr, landCheckCommit)
			if err != nil {
				return nil, err
			}
			if _, err := m.findRule(entry.pr, conclusions, opts.SkipMandatoryChecks, skipInternal); err != nil {
				return nil, err
			}
			predecessors = append(predecessors, entry.pr)
		}
		if err := m.repo.CherryPick(entry.rev); err != nil {
			return nil, err
		}
		if err := m.repo.AmendCommitMessage(msg); err != nil {
			return nil, err
		}
	}
	return predecessors, nil
}

// createLandTimeCheckBranch commits the PR's changes on top of the
// integration branch and force-pushes them as landchecks/<n>, so CI runs
// against the actual post-merge state. The original branch is restored.
func (m *Merger) createLandTimeCheckBranch(pr prSnapshot, branch string, opts Options) (string, error) {
	origBranch, err := m.repo.CurrentBranch()
	if err != nil {
		return "", err
	}
	if _, err := m.mergeChanges(pr, branch, opts, ""); err != nil {
		return "", err
	}
	landCheckBranch := fmt.Sprintf("landchecks/%d", pr.Num())
	// A leftover branch from an earlier attempt is fine to lose.
	if err := m.repo.DeleteBranch(landCheckBranch); err != nil {
		m.logger.WithError(err).Debug("No leftover land-check branch to delete.")
	}
	if err := m.repo.CheckoutNewBranch(landCheckBranch); err != nil {
		return "", err
	}
	if err := m.repo.PushBranchForce(landCheckBranch); err != nil {
		return "", err
	}
	commit, err := m.repo.RevParse("HEAD")
	if err != nil {
		return "", err
	}
	current, err := m.repo.CurrentBranch()
	if err != nil {
		return "", err
	}
	if current != origBranch {
		if err := m.repo.Checkout(origBranch); err != nil {
			return "", err
		}
	}
	return commit, nil
}

func (m *Merger) deleteLandTimeCheckBranch(pr prSnapshot) error {
	return m.repo.DeleteRemoteBranch(fmt.Sprintf("landchecks/%d", pr.Num()))
}

// cleanupLandBranch is the best-effort removal of the land-check branch on
// terminal error paths.
func (m *Merger) cleanupLandBranch(pr prSnapshot, opts Options, landCheckCommit string) {
	if !opts.LandChecks || opts.DryRun || landCheckCommit == "" {
		return
	}
	if err := m.deleteLandTimeCheckBranch(pr); err != nil {
		m.logger.WithError(err).Warn("Could not delete the land-check branch.")
	}
}

// validateLandTimeChecks requires the land-validation commit to have a
// non-empty, fully passing check suite.
func (m *Merger) validateLandTimeChecks(commit string) error {
	conclusions, err := m.ghc.GetCommitCheckConclusions(m.org, m.project, commit)
	if err != nil {
		return err
	}
	if len(conclusions) == 0 {
		return &rules.MandatoryChecksMissingError{Message: "Refusing to merge as land check(s) are not yet run"}
	}
	var names []string
	for name := range conclusions {
		names = append(names, name)
	}
	pending, failed := rules.CategorizeChecks(conclusions, names, rules.DefaultOkFailedThreshold)
	if len(failed) > 0 {
		return fmt.Errorf("failed to merge; some land checks failed: %s", rules.ChecksToStr(failed))
	}
	if len(pending) > 0 {
		return &rules.MandatoryChecksMissingError{Message: fmt.Sprintf(
			"Refusing to merge as land check(s) %s are not yet run", rules.ChecksToStr(pending))}
	}
	return nil
}

// checkForSEV refuses to merge while a merge-blocking site-wide incident is
// open, unless checks are being skipped on purpose.
func (m *Merger) checkForSEV(skip bool) error {
	if skip {
		return nil
	}
	result, err := m.ghc.FindIssues(fmt.Sprintf(`repo:%s/%s is:open is:issue label:"%s"`, m.org, m.project, labels.CiSev))
	if err != nil {
		return err
	}
	for _, issue := range result.Issues {
		if strings.Contains(strings.ToLower(issue.Body), "merge blocking") {
			return fmt.Errorf("not merging any PRs at the moment because there is a merge blocking issue open at: \n%s",
				issue.HTMLURL)
		}
	}
	return nil
}

// canSkipInternalChecks reports whether the triggering comment came from
// the trusted bot account and was never edited.
func (m *Merger) canSkipInternalChecks(pr prSnapshot, commentID int) (bool, error) {
	if commentID == 0 {
		return false, nil
	}
	comment, err := pr.CommentByID(commentID)
	if err != nil {
		return false, err
	}
	if comment.EditorLogin != "" {
		return false, nil
	}
	return comment.AuthorLogin == trustedBotLogin, nil
}

// combinedChecks merges the PR's check state with the land-validation
// commit's (the latter wins on name collisions) and classifies failures
// against the historical job store.
func (m *Merger) combinedChecks(pr prSnapshot, landCheckCommit string) (map[string]*checks.JobCheckState, error) {
	prChecks, err := pr.GetCheckConclusions()
	if err != nil {
		return nil, err
	}
	merged := make(map[string]*checks.JobCheckState, len(prChecks))
	for name, check := range prChecks {
		merged[name] = check
	}
	if landCheckCommit != "" {
		landChecks, err := m.ghc.GetCommitCheckConclusions(m.org, m.project, landCheckCommit)
		if err != nil {
			return nil, err
		}
		for name, check := range landChecks {
			merged[name] = check
		}
	}

	mergeBase, err := pr.MergeBase()
	if err != nil {
		return nil, err
	}
	jobs, err := m.analytics.QueryJobs(pr.LastCommitSHA(), mergeBase)
	if err != nil {
		return nil, err
	}
	headJobs, baseJobs := rockset.PartitionJobs(jobs, pr.LastCommitSHA(), mergeBase)
	flakyRules := checks.FetchFlakyRules(m.flakyRulesURL, m.logger)
	checks.Classify(merged, headJobs, baseJobs, flakyRules)
	return merged, nil
}

func (m *Merger) findRule(pr prSnapshot, conclusions map[string]*checks.JobCheckState, skipMandatory, skipInternal bool) (*rules.MergeRule, error) {
	return rules.FindMatchingMergeRule(m.rules, pr, conclusions, m.ghc, rules.Options{
		SkipMandatoryChecks: skipMandatory,
		SkipInternalChecks:  skipInternal,
	})
}

// addNumberedLabel adds base to the PR, suffixing with X2, X3, ... until
// the name is unused so repeated merges never collide.
func (m *Merger) addNumberedLabel(pr prSnapshot, base string) error {
	prLabels := pr.Labels()
	label := base
	for i := range prLabels {
		if github.HasLabel(label, prLabels) {
			label = fmt.Sprintf("%sX%d", base, i+2)
		}
	}
	return m.ghc.AddLabels(m.org, m.project, pr.Num(), []string{label})
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
