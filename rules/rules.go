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

// Package rules decides whether a pull request may merge. A PR can fail any
// number of merge rules but only needs to satisfy one; when every rule
// fails, the caller is shown the rejection from the rule the PR came closest
// to passing.
package rules

import (
	"fmt"
	"io/ioutil"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	zglob "github.com/mattn/go-zglob"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/yaml"

	"github.com/acme/mergebot/checks"
	"github.com/acme/mergebot/github"
	"github.com/acme/mergebot/labels"
)

// RulesPath is where a repository keeps its merge rules.
const RulesPath = ".github/merge_rules.yaml"

// HudBaseURL points at the CI results dashboard linked from rejections.
const HudBaseURL = "https://hud.acme.dev"

// The EasyCLA check stays mandatory even for forced merges.
const claCheckSubstring = "EasyCLA"

// DefaultOkFailedThreshold bounds how many classified-benign failures are
// tolerated before they all count as real failures again.
const DefaultOkFailedThreshold = 3

// MergeRule gates merges on file patterns, approvers and mandatory checks.
type MergeRule struct {
	Name                string   `json:"name"`
	Patterns            []string `json:"patterns"`
	ApprovedBy          []string `json:"approved_by"`
	MandatoryChecksName []string `json:"mandatory_checks_name,omitempty"`
}

// MandatoryChecksMissingError is the transient rejection: mandatory checks
// exist but have not concluded. The poll loop sleeps and retries on it.
type MandatoryChecksMissingError struct {
	Message string
	Rule    *MergeRule
}

func (e *MandatoryChecksMissingError) Error() string { return e.Message }

// TeamLister expands org/team approver references.
type TeamLister interface {
	TeamMembers(org, slug string) ([]string, error)
}

// PullRequest is the slice of a PR snapshot that rule evaluation needs.
// *github.PullRequest implements it.
type PullRequest interface {
	Num() int
	Owner() string
	Repo() string
	LastCommitSHA() string
	ChangedFiles() ([]string, error)
	ApprovedBy() ([]string, error)
	HasInternalChanges() (bool, error)
}

// Load reads the rule file from a local checkout. A missing file yields an
// empty rule set.
func Load(dir string, logger *logrus.Entry) ([]MergeRule, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	path := filepath.Join(dir, filepath.FromSlash(RulesPath))
	b, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Warnf("%s does not exist, returning empty rules", path)
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "reading merge rules")
	}
	return parse(b)
}

// LoadFromGitHub reads the rule file through the contents API, for
// invocations without a local checkout of the rules.
func LoadFromGitHub(client *github.Client, org, project string) ([]MergeRule, error) {
	b, err := client.GetFileContents(org, project, RulesPath)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "fetching merge rules")
	}
	return parse(b)
}

func parse(b []byte) ([]MergeRule, error) {
	var rules []MergeRule
	// Unknown keys in a rule are authoring mistakes, reject them.
	if err := yaml.UnmarshalStrict(b, &rules); err != nil {
		return nil, pkgerrors.Wrap(err, "parsing merge rules")
	}
	return rules, nil
}

// Options adjust a single rule evaluation.
type Options struct {
	// SkipMandatoryChecks drops every mandatory check except the CLA.
	SkipMandatoryChecks bool
	// SkipInternalChecks disables the internal-changes hard gate.
	SkipInternalChecks bool
}

// Reject-reason scores. Higher is closer to passing; the highest-scoring
// failure is the one reported.
//
//	0..9999  how many files the rule matched
//	10000    all files matched, but approvals are missing
//	20000    files and approvers matched, mandatory checks pending
//	30000    files and approvers matched, mandatory checks failed
const (
	scoreNoApproval    = 10000
	scorePendingChecks = 20000
	scoreFailedChecks  = 30000
)

type rejection struct {
	score  int
	reason string
}

func (r *rejection) update(score int, reason string) {
	if score > r.score {
		r.score = score
		r.reason = reason
	}
}

// FindMatchingMergeRule returns the first rule the PR fully satisfies.
// Rules are tried in file order. When none passes, the error carries the
// most relevant rejection; pending-checks rejections surface as
// MandatoryChecksMissingError so callers can retry.
func FindMatchingMergeRule(
	rules []MergeRule,
	pr PullRequest,
	conclusions map[string]*checks.JobCheckState,
	teams TeamLister,
	opts Options,
) (*MergeRule, error) {
	changedFiles, err := pr.ChangedFiles()
	if err != nil {
		return nil, err
	}
	approvedByList, err := pr.ApprovedBy()
	if err != nil {
		return nil, err
	}
	approvedBy := sets.NewString(approvedByList...)

	issueLink := newIssueLink(pr.Owner(), pr.Repo(), []string{labels.CiModule})
	reject := rejection{
		reason: fmt.Sprintf("No rule found to match PR. Please [report](%s) this issue to the infra team.", issueLink),
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("rejecting the merge as no rules are defined for the repository in %s", RulesPath)
	}

	hudLink := fmt.Sprintf("%s/%s/%s/commit/%s", HudBaseURL, pr.Owner(), pr.Repo(), pr.LastCommitSHA())

	for i := range rules {
		rule := &rules[i]

		// Does this rule apply to all the files?
		var nonMatching []string
		for _, file := range changedFiles {
			ok, err := matchesAnyPattern(rule.Patterns, file)
			if err != nil {
				return nil, fmt.Errorf("rule %q has a bad pattern: %v", rule.Name, err)
			}
			if !ok {
				nonMatching = append(nonMatching, file)
			}
		}
		if len(nonMatching) > 0 {
			numMatching := len(changedFiles) - len(nonMatching)
			reject.update(numMatching, strings.Join([]string{
				fmt.Sprintf("Not all files match rule `%s`.", rule.Name),
				fmt.Sprintf("%d files matched, but there are still non-matching files:", numMatching),
				fmt.Sprintf("%s%s", strings.Join(truncate(nonMatching, 5), ","), ellipsis(nonMatching, 5)),
			}, "\n"))
			continue
		}

		// If the rule needs approvers but the PR has not been reviewed,
		// skip it.
		if len(rule.ApprovedBy) > 0 && approvedBy.Len() == 0 {
			reject.update(scoreNoApproval,
				fmt.Sprintf("PR #%d has not been reviewed yet (Rule %s)", pr.Num(), rule.Name))
			continue
		}

		// Does the PR have the required approvals for this rule?
		ruleApprovers := sets.NewString()
		for _, approver := range rule.ApprovedBy {
			if strings.Contains(approver, "/") {
				parts := strings.SplitN(approver, "/", 2)
				members, err := teams.TeamMembers(parts[0], parts[1])
				if err != nil {
					return nil, err
				}
				ruleApprovers.Insert(members...)
			} else {
				ruleApprovers.Insert(approver)
			}
		}
		if ruleApprovers.Len() > 0 && approvedBy.Intersection(ruleApprovers).Len() == 0 {
			approverList := ruleApprovers.List()
			reject.update(scoreNoApproval, strings.Join([]string{
				fmt.Sprintf("Approval needed from one of the following (Rule '%s'):", rule.Name),
				fmt.Sprintf("%s%s", strings.Join(truncate(approverList, 5), ", "), ellipsis(approverList, 5)),
			}, "\n"))
			continue
		}

		// Does the PR pass the checks required by this rule?
		required := requiredChecks(rule, opts.SkipMandatoryChecks)
		pending, failed := CategorizeChecks(conclusions, required, DefaultOkFailedThreshold)
		if len(failed) > 0 {
			reject.update(scoreFailedChecks, strings.Join(append(
				append([]string{fmt.Sprintf("%d mandatory check(s) failed (Rule `%s`).  The first few are:", len(failed), rule.Name)},
					checksToMarkdownBullets(failed)...),
				"",
				fmt.Sprintf("Dig deeper by [viewing the failures on hud](%s)", hudLink),
			), "\n"))
			continue
		}
		if len(pending) > 0 {
			reject.update(scorePendingChecks, strings.Join(append(
				append([]string{fmt.Sprintf("%d mandatory check(s) are pending/not yet run (Rule `%s`).  The first few are:", len(pending), rule.Name)},
					checksToMarkdownBullets(pending)...),
				"",
				fmt.Sprintf("Dig deeper by [viewing the pending checks on hud](%s)", hudLink),
			), "\n"))
			continue
		}

		if !opts.SkipInternalChecks {
			internal, err := pr.HasInternalChanges()
			if err != nil {
				return nil, err
			}
			if internal {
				return nil, fmt.Errorf("This PR has internal changes and must be landed via the internal tool")
			}
		}

		return rule, nil
	}

	if reject.score == scorePendingChecks {
		return nil, &MandatoryChecksMissingError{Message: reject.reason, Rule: &rules[len(rules)-1]}
	}
	return nil, fmt.Errorf("%s", reject.reason)
}

// requiredChecks filters a rule's mandatory checks: forcing a merge skips
// everything but the CLA check.
func requiredChecks(rule *MergeRule, skipMandatoryChecks bool) []string {
	if !skipMandatoryChecks {
		return rule.MandatoryChecksName
	}
	var required []string
	for _, name := range rule.MandatoryChecksName {
		if strings.Contains(name, claCheckSubstring) {
			required = append(required, name)
		}
	}
	return required
}

// matchesAnyPattern reports whether file matches one of the glob patterns.
// A `*` stays within one path segment; a trailing `**` matches everything
// below its prefix, nested directories included.
func matchesAnyPattern(patterns []string, file string) (bool, error) {
	for _, pattern := range patterns {
		if strings.HasSuffix(pattern, "**") {
			// zglob only crosses directory separators for `**/`.
			pattern += "/*"
		}
		ok, err := zglob.Match(pattern, file)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// CheckTuple names a check and, when known, its details URL.
type CheckTuple struct {
	Name string
	URL  string
}

// CategorizeChecks partitions the checks a rule requires into pending and
// failed. Required names are substring patterns, not exact names. A pattern
// matched by no reported check counts as pending. Failures classified as
// flaky or broken trunk are tolerated, but only up to the threshold; above
// it they all count as failures again.
func CategorizeChecks(conclusions map[string]*checks.JobCheckState, required []string, okFailedThreshold int) (pending, failed []CheckTuple) {
	var okFailed []CheckTuple

	var names []string
	for name := range conclusions {
		names = append(names, name)
	}
	sort.Strings(names)

	var relevant []string
	for _, name := range names {
		for _, pattern := range required {
			if strings.Contains(name, pattern) {
				relevant = append(relevant, name)
				break
			}
		}
	}

	for _, pattern := range required {
		found := false
		for _, name := range names {
			if strings.Contains(name, pattern) {
				found = true
				break
			}
		}
		if !found {
			pending = append(pending, CheckTuple{Name: pattern})
		}
	}

	for _, name := range relevant {
		check := conclusions[name]
		switch {
		case check.Status == "":
			pending = append(pending, CheckTuple{Name: name, URL: check.URL})
		case !checks.IsPassingStatus(check.Status):
			tuple := CheckTuple{Name: name, URL: check.URL}
			if check.Classification == checks.ClassificationBrokenTrunk ||
				check.Classification == checks.ClassificationFlaky {
				okFailed = append(okFailed, tuple)
			} else {
				failed = append(failed, tuple)
			}
		}
	}

	// Too many "benign" failures is suspicious.
	if len(okFailed) > okFailedThreshold {
		failed = append(failed, okFailed...)
	}
	return pending, failed
}

// ChecksToStr renders check tuples for a one-line message.
func ChecksToStr(tuples []CheckTuple) string {
	parts := make([]string, 0, len(tuples))
	for _, t := range tuples {
		if t.URL != "" {
			parts = append(parts, fmt.Sprintf("[%s](%s)", t.Name, t.URL))
		} else {
			parts = append(parts, t.Name)
		}
	}
	return strings.Join(parts, ", ")
}

func checksToMarkdownBullets(tuples []CheckTuple) []string {
	var bullets []string
	for i, t := range tuples {
		if i == 5 {
			break
		}
		if t.URL != "" {
			bullets = append(bullets, fmt.Sprintf("- [%s](%s)", t.Name, t.URL))
		} else {
			bullets = append(bullets, fmt.Sprintf("- %s", t.Name))
		}
	}
	return bullets
}

func newIssueLink(org, project string, issueLabels []string) string {
	return fmt.Sprintf("https://github.com/%s/%s/issues/new?labels=%s&template=%s",
		org, project,
		url.QueryEscape(strings.Join(issueLabels, ",")),
		url.QueryEscape("bug-report.yml"))
}

func truncate(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}

func ellipsis(items []string, n int) string {
	if len(items) > n {
		return ", ..."
	}
	return ""
}
