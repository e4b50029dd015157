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
	"errors"
	"fmt"
	"strings"

	"github.com/acme/mergebot/github"
	"github.com/acme/mergebot/labels"
)

// PostCommentError is a revert validation failure whose text is posted to
// the PR as-is, without the failure header.
type PostCommentError struct {
	Message string
}

func (e *PostCommentError) Error() string { return e.Message }

// Revert reverses a previously merged PR. Validation failures become PR
// comments; anything else is a terminal error.
func (m *Merger) Revert(prNum int, opts Options) error {
	opts.setDefaults()
	pr, err := m.fetchPR(prNum)
	if err != nil {
		return err
	}
	if err := m.ghc.CreateComment(m.org, m.project, prNum, revertStartedMessage(pr)); err != nil {
		return err
	}

	author, commitSHA, err := m.validateRevert(pr, opts)
	if err != nil {
		var pce *PostCommentError
		if errors.As(err, &pce) {
			return m.ghc.CreateComment(m.org, m.project, prNum, pce.Message)
		}
		return err
	}

	revertMsg := fmt.Sprintf("\nReverted %s on behalf of %s", pr.URL(), github.URLForUser(author))
	if opts.Reason != "" {
		revertMsg += fmt.Sprintf(" due to %s\n", opts.Reason)
	} else {
		revertMsg += "\n"
	}

	if err := m.repo.Checkout(pr.DefaultBranch()); err != nil {
		return err
	}
	if err := m.repo.Revert(commitSHA); err != nil {
		return err
	}
	msg, err := m.repo.CommitMessage("HEAD")
	if err != nil {
		return err
	}
	// The revert commit must not itself claim to resolve the PR.
	msg = prResolvedRE.ReplaceAllString(msg, "")
	msg += revertMsg
	if err := m.repo.AmendCommitMessage(msg); err != nil {
		return err
	}
	if err := m.repo.Push(pr.DefaultBranch(), opts.DryRun); err != nil {
		return err
	}
	if err := m.ghc.CreateComment(m.org, m.project, prNum,
		fmt.Sprintf("@%s your PR has been successfully reverted.", pr.CreatorLogin())); err != nil {
		return err
	}
	if !opts.DryRun {
		if err := m.addNumberedLabel(pr, labels.Reverted); err != nil {
			return err
		}
		if err := m.ghc.CreateCommitComment(m.org, m.project, commitSHA, revertMsg); err != nil {
			return err
		}
	}
	return nil
}

// validateRevert authorizes the revert command and resolves the commit to
// reverse.
func (m *Merger) validateRevert(pr prSnapshot, opts Options) (string, string, error) {
	var comment github.Comment
	var err error
	if opts.CommentID == 0 {
		comment, err = pr.LastComment()
	} else {
		comment, err = pr.CommentByID(opts.CommentID)
	}
	if err != nil {
		return "", "", err
	}
	if comment.EditorLogin != "" {
		return "", "", &PostCommentError{Message: "Don't want to revert based on edited command"}
	}

	allowed := []string{
		github.AssociationCollaborator,
		github.AssociationMember,
		github.AssociationOwner,
	}
	// One can not be a MEMBER of a private repo, only a CONTRIBUTOR.
	if pr.IsBaseRepoPrivate() {
		allowed = append(allowed, github.AssociationContributor)
	}
	if !containsName(allowed, comment.AuthorAssociation) {
		return "", "", &PostCommentError{Message: fmt.Sprintf(
			"Will not revert as @%s is not one of [%s], but instead is %s.",
			comment.AuthorLogin, strings.Join(allowed, ", "), comment.AuthorAssociation)}
	}

	skipInternal, err := m.canSkipInternalChecks(pr, opts.CommentID)
	if err != nil {
		return "", "", err
	}
	// Reverts bypass CI, but the PR still has to satisfy a rule.
	conclusions, err := m.combinedChecks(pr, "")
	if err != nil {
		return "", "", err
	}
	if _, err := m.findRule(pr, conclusions, true, skipInternal); err != nil {
		return "", "", err
	}

	commitSHA := pr.MergeCommitSHA()
	if commitSHA == "" {
		commits, err := m.repo.CommitsResolvingGhPR(pr.DefaultBranch(), pr.Num())
		if err != nil {
			return "", "", err
		}
		if len(commits) == 0 {
			return "", "", &PostCommentError{Message: "Can't find any commits resolving PR"}
		}
		commitSHA = commits[0]
	}
	msg, err := m.repo.CommitMessage(commitSHA)
	if err != nil {
		return "", "", err
	}
	if rev := github.ExtractDiffRevision(msg); rev != "" && !skipInternal {
		return "", "", &PostCommentError{Message: fmt.Sprintf(
			"Can't revert PR that was landed via the internal tool as %s.  "+
				"Please revert by going to the internal diff and clicking Unland.", rev)}
	}
	return comment.AuthorLogin, commitSHA, nil
}
