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

package merge

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/acme/mergebot/github"
)

var (
	// ccLineRE matches reviewer-ping lines that should not end up in the
	// commit message.
	ccLineRE = regexp.MustCompile(`(?m)^cc:? @\w+.*\n?`)
	// ghstackDescRE matches the stack listing ghstack appends to PR bodies.
	ghstackDescRE = regexp.MustCompile(`Stack[^\n]*:\r?\n(\* [^\r\n]+\r?\n)+`)
	// prResolvedRE matches the marker linking a commit back to its PR.
	prResolvedRE = regexp.MustCompile(`Pull Request resolved: https://github\.com/(?P<owner>[^/]+)/(?P<repo>[^/]+)/pull/(?P<number>[0-9]+)`)
)

// GenCommitMessage composes the message for the commit that lands the PR:
// title, body with cc lines stripped, the resolved marker and the approver
// URLs. For stacked merges the ghstack block is stripped as well. The
// stripping is idempotent.
func GenCommitMessage(pr prSnapshot, filterGhstack bool) (string, error) {
	approved, err := pr.ApprovedBy()
	if err != nil {
		return "", err
	}
	urls := make([]string, 0, len(approved))
	for _, login := range approved {
		urls = append(urls, github.URLForUser(login))
	}
	body := ccLineRE.ReplaceAllString(pr.Body(), "")
	if filterGhstack {
		body = ghstackDescRE.ReplaceAllString(body, "")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s (#%d)\n\n", pr.Title(), pr.Num())
	b.WriteString(body)
	fmt.Fprintf(&b, "\nPull Request resolved: %s\n", pr.URL())
	fmt.Fprintf(&b, "Approved by: %s\n", strings.Join(urls, ", "))
	return b.String(), nil
}

// mergeStartedMessage is posted when the bot commits to a merge attempt.
func mergeStartedMessage(opts Options, landCheckCommit string) string {
	switch {
	case opts.SkipMandatoryChecks:
		return "Your change will be merged immediately since you used the force (-f) flag, " +
			"**bypassing any CI checks** (ETA: 1-5 minutes)."
	case landCheckCommit != "":
		return fmt.Sprintf("Your change will be merged once the land checks on %s pass (ETA 0-4 hours).", landCheckCommit)
	case opts.OnMandatory:
		return "Your change will be merged once the mandatory checks pass (ETA 0-4 hours)."
	case opts.OnGreen:
		return "Your change will be merged once all of its CI signals are green (ETA 0-4 hours)."
	default:
		return "Your change will be merged once all checks pass (ETA 0-4 hours)."
	}
}

// revertStartedMessage is posted before a revert attempt is validated.
func revertStartedMessage(pr prSnapshot) string {
	return fmt.Sprintf("@%s your PR is being reverted. To re-land it, open a new PR or rebase and fix the offending change.",
		pr.CreatorLogin())
}

// FailureMessage renders a terminal failure as the comment the PR
// receives. When the invocation runs inside a workflow, a collapsed details
// block points the infra team at the job.
func FailureMessage(title string, err error) string {
	internalDebugging := ""
	if runURL := os.Getenv("GH_RUN_URL"); runURL != "" {
		internalDebugging = strings.Join([]string{
			"<details><summary>Details for Dev Infra team</summary>",
			fmt.Sprintf("Raised by <a href=\"%s\">workflow job</a>", runURL),
			"</details>",
		}, "\n")
	}
	return strings.Join([]string{
		fmt.Sprintf("## %s", title),
		fmt.Sprintf("**Reason**: %v", err),
		"",
		internalDebugging,
	}, "\n")
}
