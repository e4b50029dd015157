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
	"strconv"
	"strings"
)

// stackEntry pairs an open PR of a ghstack with the local revision that
// will be cherry-picked for it.
type stackEntry struct {
	pr  prSnapshot
	rev string
}

// ghstackPRs enumerates the open PRs below (and including) pr on its stack,
// bottom first. Every revision between the default branch and the published
// orig ref must resolve to a PR of the same repository, and each PR's
// remote head must be an exact reconstruction of the local revision;
// anything else means the stack is out of sync and the merge must not
// proceed.
func (m *Merger) ghstackPRs(pr prSnapshot) ([]stackEntry, error) {
	origRef := fmt.Sprintf("%s/%s", m.repo.Remote(), strings.TrimSuffix(pr.HeadRef(), "/head")+"/orig")
	revs, err := m.repo.RevList(pr.DefaultBranch(), origRef)
	if err != nil {
		return nil, err
	}

	var stack []stackEntry
	// rev-list is newest first; walk the stack bottom up.
	for idx := len(revs) - 1; idx >= 0; idx-- {
		rev := revs[idx]
		msg, err := m.repo.CommitMessage(rev)
		if err != nil {
			return nil, err
		}
		match := prResolvedRE.FindStringSubmatch(msg)
		if match == nil {
			return nil, fmt.Errorf("could not find PR-resolved string in %q of ghstacked PR %d", msg, pr.Num())
		}
		owner, repo, numStr := match[1], match[2], match[3]
		if owner != m.org || repo != m.project {
			return nil, fmt.Errorf("PR %s resolved to wrong owner/repo pair", numStr)
		}
		num, err := strconv.Atoi(numStr)
		if err != nil {
			return nil, err
		}
		if num != pr.Num() {
			stacked, err := m.fetchPR(num)
			if err != nil {
				return nil, err
			}
			if stacked.IsClosed() {
				m.logger.Infof("Skipping %d of %d PR (#%d) as its already been merged", len(revs)-idx, len(revs), num)
				continue
			}
			stack = append(stack, stackEntry{pr: stacked, rev: rev})
		} else {
			stack = append(stack, stackEntry{pr: pr, rev: rev})
		}
	}

	for _, entry := range stack {
		commitSHA := entry.pr.LastCommitSHA()
		treeSHA, err := m.repo.TreeSHA(commitSHA)
		if err != nil {
			return nil, err
		}
		msg, err := m.repo.CommitMessage(entry.rev)
		if err != nil {
			return nil, err
		}
		if !strings.Contains(msg, treeSHA) {
			return nil, fmt.Errorf(
				"PR %d is out of sync with the corresponding revision %s on branch %s that would be merged into %s.  "+
					"This usually happens because there is a non ghstack change in the PR.  "+
					"Please sync them and try again (ex. make the changes on %s and run ghstack).",
				entry.pr.Num(), entry.rev, origRef, pr.DefaultBranch(), origRef)
		}
	}
	return stack, nil
}
