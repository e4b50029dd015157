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
	"strings"
	"testing"

	"github.com/acme/mergebot/github"
)

func revertablePR(num int) *fakePR {
	pr := greenPR(num)
	pr.mergeCommit = "merge123"
	pr.comments = []github.Comment{{
		DatabaseID:        10,
		BodyText:          "@bot revert",
		AuthorLogin:       "carol",
		AuthorAssociation: github.AssociationMember,
	}}
	return pr
}

func TestRevertHappyPath(t *testing.T) {
	pr := revertablePR(2001)
	m := newTestMerger(t, coreRules(), pr)
	m.repo.commitMsgs["merge123"] = "Title (#2001)\n\nPull Request resolved: https://github.com/acme/proj/pull/2001\nApproved by: https://github.com/alice\n"
	m.repo.commitMsgs["HEAD"] = "Revert \"Title (#2001)\"\n\nThis reverts commit merge123.\nPull Request resolved: https://github.com/acme/proj/pull/2001\n"

	if err := m.Revert(2001, Options{Reason: "broke trunk"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, op := range []string{"checkout main", "revert merge123", "amend", "push main"} {
		if !m.repo.has(op) {
			t.Errorf("missing git operation %q in %v", op, m.repo.ops)
		}
	}
	amended := m.repo.commitMsgs["HEAD"]
	if strings.Contains(amended, "Pull Request resolved:") {
		t.Errorf("resolved marker must be scrubbed from the revert commit:\n%s", amended)
	}
	if !strings.Contains(amended, "Reverted https://github.com/acme/proj/pull/2001 on behalf of https://github.com/carol due to broke trunk") {
		t.Errorf("missing revert trailer:\n%s", amended)
	}
	if got := m.forge.labels[2001]; len(got) != 1 || got[0] != "reverted" {
		t.Errorf("labels: got %v, want [reverted]", got)
	}
	if _, ok := m.forge.commitComments["merge123"]; !ok {
		t.Error("expected a comment on the reverted commit")
	}
	found := false
	for _, c := range m.forge.comments {
		if strings.Contains(c, "has been successfully reverted") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a success comment, got %v", m.forge.comments)
	}
}

func TestRevertByOutsiderIsRefused(t *testing.T) {
	pr := revertablePR(2002)
	pr.comments[0].AuthorLogin = "mallory"
	pr.comments[0].AuthorAssociation = github.AssociationNone
	m := newTestMerger(t, coreRules(), pr)
	if err := m.Revert(2002, Options{}); err != nil {
		t.Fatalf("validation failures must not be errors: %v", err)
	}
	refusal := m.forge.comments[len(m.forge.comments)-1]
	if !strings.Contains(refusal, "Will not revert as @mallory") {
		t.Errorf("expected a refusal comment, got %q", refusal)
	}
	if m.repo.has("revert merge123") {
		t.Errorf("must not touch git, ops: %v", m.repo.ops)
	}
}

func TestRevertContributorAllowedOnPrivateRepo(t *testing.T) {
	pr := revertablePR(2003)
	pr.private = true
	pr.comments[0].AuthorAssociation = github.AssociationContributor
	m := newTestMerger(t, coreRules(), pr)
	m.repo.commitMsgs["merge123"] = "Title (#2003)"
	m.repo.commitMsgs["HEAD"] = "Revert \"Title (#2003)\""
	if err := m.Revert(2003, Options{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.repo.has("revert merge123") {
		t.Errorf("expected a revert, ops: %v", m.repo.ops)
	}
}

func TestRevertEditedCommandIsRefused(t *testing.T) {
	pr := revertablePR(2004)
	pr.comments[0].EditorLogin = "mallory"
	m := newTestMerger(t, coreRules(), pr)
	if err := m.Revert(2004, Options{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	refusal := m.forge.comments[len(m.forge.comments)-1]
	if !strings.Contains(refusal, "edited command") {
		t.Errorf("expected the edited-command refusal, got %q", refusal)
	}
}

func TestRevertInternalDiffIsRefused(t *testing.T) {
	pr := revertablePR(2005)
	m := newTestMerger(t, coreRules(), pr)
	m.repo.commitMsgs["merge123"] = "Title (#2005)\n\nDifferential Revision: D12345\n"
	if err := m.Revert(2005, Options{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	refusal := m.forge.comments[len(m.forge.comments)-1]
	if !strings.Contains(refusal, "internal") || !strings.Contains(refusal, "D12345") {
		t.Errorf("expected the internal-diff refusal, got %q", refusal)
	}
	if m.repo.has("revert merge123") {
		t.Errorf("must not touch git, ops: %v", m.repo.ops)
	}
}

func TestRevertFallsBackToResolvingCommit(t *testing.T) {
	pr := revertablePR(2006)
	pr.mergeCommit = ""
	m := newTestMerger(t, coreRules(), pr)
	m.repo.resolving = []string{"resolved456"}
	m.repo.commitMsgs["resolved456"] = "Title (#2006)"
	m.repo.commitMsgs["HEAD"] = "Revert \"Title (#2006)\""
	if err := m.Revert(2006, Options{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.repo.has("revert resolved456") {
		t.Errorf("expected the resolving commit to be reverted, ops: %v", m.repo.ops)
	}
}

func TestRevertNoCommitFound(t *testing.T) {
	pr := revertablePR(2007)
	pr.mergeCommit = ""
	m := newTestMerger(t, coreRules(), pr)
	if err := m.Revert(2007, Options{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	refusal := m.forge.comments[len(m.forge.comments)-1]
	if !strings.Contains(refusal, "Can't find any commits resolving PR") {
		t.Errorf("expected the no-commit refusal, got %q", refusal)
	}
}
