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

package github

import (
	"context"
	"fmt"
	"regexp"
	"time"

	githubql "github.com/shurcooL/githubv4"
	"github.com/sirupsen/logrus"

	"github.com/acme/mergebot/checks"
)

// Each paginated collection walks at most this many pages, which bounds any
// collection to roughly ten thousand items.
const maxPages = 100

// compareRef is the fixed ref the head is compared against to find the
// merge base. The repository's actual default branch name is not consulted.
const compareRef = "master"

// internalChangesCheck reports whether a PR carries changes that must land
// through the internal tool.
const internalChangesCheck = "Meta Internal-Only Changes Check"

var ghstackHeadRefRE = regexp.MustCompile(`^gh/[^/]+/[0-9]+/head$`)
var diffRevisionRE = regexp.MustCompile(`(?m)^Differential Revision:.+?(D[0-9]+)`)

// PullRequest is a point-in-time snapshot of a pull request. It is built
// from a single composite query; paginated sub-collections are completed
// lazily and memoized. Rebuild the snapshot to observe new pushes.
type PullRequest struct {
	Org     string
	Project string
	Number  int

	client *Client
	logger *logrus.Entry
	info   prInfo

	changedFiles []string
	labels       []string
	conclusions  map[string]*checks.JobCheckState
	comments     []Comment
	authors      []authorEntry
	reviews      []reviewEntry
}

type authorEntry struct {
	login  string
	author string
}

type reviewEntry struct {
	login string
	state string
}

// NewPullRequest fetches a fresh snapshot of org/project#number.
func NewPullRequest(client *Client, org, project string, number int, logger *logrus.Entry) (*PullRequest, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	q := prInfoQuery{}
	vars := map[string]interface{}{
		"owner":      githubql.String(org),
		"name":       githubql.String(project),
		"number":     githubql.Int(number),
		"compareRef": githubql.String(compareRef),
	}
	if err := client.Query(context.Background(), &q, vars); err != nil {
		return nil, fmt.Errorf("fetching PR %s/%s#%d: %v", org, project, number, err)
	}
	pr := &PullRequest{
		Org:     org,
		Project: project,
		Number:  number,
		client:  client,
		logger:  logger.WithField("pr", number),
		info:    q.Repository.PullRequest,
	}
	if len(pr.info.Commits.Nodes) == 0 {
		return nil, fmt.Errorf("PR %s/%s#%d has no commits", org, project, number)
	}
	return pr, nil
}

func (pr *PullRequest) vars() map[string]interface{} {
	return map[string]interface{}{
		"owner":  githubql.String(pr.Org),
		"name":   githubql.String(pr.Project),
		"number": githubql.Int(pr.Number),
	}
}

// Num returns the PR number.
func (pr *PullRequest) Num() int { return pr.Number }

// Owner returns the organization owning the base repository.
func (pr *PullRequest) Owner() string { return pr.Org }

// Repo returns the base repository name.
func (pr *PullRequest) Repo() string { return pr.Project }

// IsClosed reports whether the PR is closed.
func (pr *PullRequest) IsClosed() bool { return bool(pr.info.Closed) }

// IsCrossRepo reports whether the head lives in a fork.
func (pr *PullRequest) IsCrossRepo() bool { return bool(pr.info.IsCrossRepository) }

// BaseRef is the name of the branch the PR targets.
func (pr *PullRequest) BaseRef() string { return string(pr.info.BaseRefName) }

// HeadRef is the name of the PR's head branch.
func (pr *PullRequest) HeadRef() string { return string(pr.info.HeadRefName) }

// DefaultBranch is the base repository's default branch name.
func (pr *PullRequest) DefaultBranch() string {
	return string(pr.info.BaseRepository.DefaultBranchRef.Name)
}

// IsGhstackPR reports whether the head ref follows the ghstack layout.
func (pr *PullRequest) IsGhstackPR() bool {
	return ghstackHeadRefRE.MatchString(pr.HeadRef())
}

// IsBaseRepoPrivate reports whether the base repository is private.
func (pr *PullRequest) IsBaseRepoPrivate() bool {
	return bool(pr.info.BaseRepository.IsPrivate)
}

// Title returns the PR title.
func (pr *PullRequest) Title() string { return string(pr.info.Title) }

// Body returns the PR description.
func (pr *PullRequest) Body() string { return string(pr.info.Body) }

// CreatorLogin is the login of the user who opened the PR.
func (pr *PullRequest) CreatorLogin() string { return string(pr.info.Author.Login) }

// URL returns the html URL of the PR.
func (pr *PullRequest) URL() string {
	return fmt.Sprintf("https://github.com/%s/%s/pull/%d", pr.Org, pr.Project, pr.Number)
}

// MergeCommitSHA returns the recorded merge commit, or "" when the forge
// has not recorded one.
func (pr *PullRequest) MergeCommitSHA() string {
	if pr.info.MergeCommit == nil {
		return ""
	}
	return string(pr.info.MergeCommit.OID)
}

func (pr *PullRequest) lastCommit() *lastCommit {
	return &pr.info.Commits.Nodes[len(pr.info.Commits.Nodes)-1].Commit
}

// LastCommitSHA is the oid of the PR's head commit at snapshot time.
func (pr *PullRequest) LastCommitSHA() string {
	return string(pr.lastCommit().OID)
}

// LastPushedAt is when the head commit was pushed; zero when unknown.
func (pr *PullRequest) LastPushedAt() time.Time {
	if pr.lastCommit().PushedDate == nil {
		return time.Time{}
	}
	return pr.lastCommit().PushedDate.Time
}

// ChangedFilesCount is the file count the forge reports for the PR.
func (pr *PullRequest) ChangedFilesCount() int {
	return int(pr.info.ChangedFiles)
}

// CommitCount is the total number of commits on the PR.
func (pr *PullRequest) CommitCount() int {
	return int(pr.info.CommitsWithAuthors.TotalCount)
}

// MergeBase returns the merge base of the head and the default branch.
func (pr *PullRequest) MergeBase() (string, error) {
	if pr.info.HeadRef == nil {
		return "", fmt.Errorf("PR %d has no head ref to compare", pr.Number)
	}
	commits := pr.info.HeadRef.Compare.Commits.Edges
	if len(commits) == 0 || len(commits[0].Node.Parents.Edges) == 0 {
		return "", fmt.Errorf("could not determine merge base of PR %d", pr.Number)
	}
	return string(commits[0].Node.Parents.Edges[0].Node.OID), nil
}

// ChangedFiles returns every changed file path. The result must agree with
// the forge's reported count, otherwise the snapshot is inconsistent and the
// call fails.
func (pr *PullRequest) ChangedFiles() ([]string, error) {
	if pr.changedFiles == nil {
		files := pr.info.Files
		var paths []string
		for page := 0; page < maxPages; page++ {
			for _, node := range files.Nodes {
				paths = append(paths, string(node.Path))
			}
			if !bool(files.PageInfo.HasNextPage) {
				break
			}
			vars := pr.vars()
			vars["cursor"] = githubql.NewString(files.PageInfo.EndCursor)
			q := prNextFilesQuery{}
			if err := pr.client.Query(context.Background(), &q, vars); err != nil {
				return nil, err
			}
			files = q.Repository.PullRequest.Files
		}
		pr.changedFiles = paths
	}
	if len(pr.changedFiles) != pr.ChangedFilesCount() {
		return nil, fmt.Errorf("changed file count mismatch: fetched %d, PR reports %d",
			len(pr.changedFiles), pr.ChangedFilesCount())
	}
	return pr.changedFiles, nil
}

func (pr *PullRequest) fetchReviews() ([]reviewEntry, error) {
	if pr.reviews != nil {
		return pr.reviews, nil
	}
	// Reviews paginate backwards, newest page first; each earlier page is
	// prepended so the final slice runs oldest to newest.
	reviews := pr.info.Reviews
	var entries []reviewEntry
	for page := 0; page < maxPages; page++ {
		var pageEntries []reviewEntry
		for _, node := range reviews.Nodes {
			pageEntries = append(pageEntries, reviewEntry{
				login: string(node.Author.Login),
				state: string(node.State),
			})
		}
		entries = append(pageEntries, entries...)
		if !bool(reviews.PageInfo.HasPreviousPage) {
			break
		}
		vars := pr.vars()
		vars["cursor"] = githubql.NewString(reviews.PageInfo.StartCursor)
		q := prPrevReviewsQuery{}
		if err := pr.client.Query(context.Background(), &q, vars); err != nil {
			return nil, err
		}
		reviews = q.Repository.PullRequest.Reviews
	}
	pr.reviews = entries
	return entries, nil
}

// ApprovedBy returns the logins whose latest non-comment review state is an
// approval, in the order the reviewers first appeared.
func (pr *PullRequest) ApprovedBy() ([]string, error) {
	entries, err := pr.fetchReviews()
	if err != nil {
		return nil, err
	}
	states := map[string]string{}
	var order []string
	for _, entry := range entries {
		if entry.state == ReviewCommented {
			continue
		}
		if _, seen := states[entry.login]; !seen {
			order = append(order, entry.login)
		}
		states[entry.login] = entry.state
	}
	var approved []string
	for _, login := range order {
		if states[login] == ReviewApproved {
			approved = append(approved, login)
		}
	}
	return approved, nil
}

func (pr *PullRequest) fetchAuthors() ([]authorEntry, error) {
	if pr.authors != nil {
		return pr.authors, nil
	}
	var entries []authorEntry
	commits := pr.info.CommitsWithAuthors
	for page := 0; page < maxPages; page++ {
		for _, node := range commits.Nodes {
			author := fmt.Sprintf("%s <%s>", node.Commit.Author.Name, node.Commit.Author.Email)
			login := ""
			if node.Commit.Author.User != nil {
				login = string(node.Commit.Author.User.Login)
			}
			entries = append(entries, authorEntry{login: login, author: author})
		}
		if !bool(commits.PageInfo.HasNextPage) {
			break
		}
		vars := pr.vars()
		vars["cursor"] = githubql.NewString(commits.PageInfo.EndCursor)
		q := prNextAuthorsQuery{}
		if err := pr.client.Query(context.Background(), &q, vars); err != nil {
			return nil, err
		}
		commits = q.Repository.PullRequest.CommitsWithAuthors
	}
	if len(entries) != pr.CommitCount() {
		return nil, fmt.Errorf("fetched %d commit authors but PR has %d commits",
			len(entries), pr.CommitCount())
	}
	pr.authors = entries
	return entries, nil
}

// Authors maps each committer login to its git author string. Commits whose
// author has no linked account appear under the empty login.
func (pr *PullRequest) Authors() (map[string]string, error) {
	entries, err := pr.fetchAuthors()
	if err != nil {
		return nil, err
	}
	authors := map[string]string{}
	for _, entry := range entries {
		authors[entry.login] = entry.author
	}
	return authors, nil
}

// Author picks the git author string to attribute the merge commit to.
func (pr *PullRequest) Author() (string, error) {
	authors, err := pr.Authors()
	if err != nil {
		return "", err
	}
	if len(authors) == 1 {
		for _, author := range authors {
			return author, nil
		}
	}
	creator := pr.CreatorLogin()
	if author, ok := authors[creator]; ok {
		return author, nil
	}
	// The creator never committed; attribute to the first commit's author.
	entries, err := pr.fetchAuthors()
	if err != nil {
		return "", err
	}
	return entries[0].author, nil
}

// Labels returns the label names on the PR.
func (pr *PullRequest) Labels() []string {
	if pr.labels == nil {
		labels := []string{}
		for _, edge := range pr.info.Labels.Edges {
			labels = append(labels, string(edge.Node.Name))
		}
		pr.labels = labels
	}
	return pr.labels
}

// GetCheckConclusions flattens every check suite of the head commit into a
// job-name keyed map, with legacy status contexts merged in as independent
// jobs.
func (pr *PullRequest) GetCheckConclusions() (map[string]*checks.JobCheckState, error) {
	if pr.conclusions != nil {
		return pr.conclusions, nil
	}
	pager := &prSuitePager{
		client:  pr.client,
		org:     pr.Org,
		project: pr.Project,
		number:  pr.Number,
		headOID: pr.LastCommitSHA(),
	}
	conclusions, err := checks.AddWorkflowConclusions(pr.lastCommit().CheckSuites, pager)
	if err != nil {
		return nil, err
	}
	if status := pr.lastCommit().Status; status != nil {
		for _, sc := range status.Contexts {
			name := string(sc.Context)
			conclusions[name] = &checks.JobCheckState{
				Name:   name,
				URL:    string(sc.TargetURL),
				Status: string(sc.State),
			}
		}
	}
	pr.conclusions = conclusions
	return conclusions, nil
}

func commentFromNode(node commentNode) Comment {
	comment := Comment{
		BodyText:          string(node.BodyText),
		CreatedAt:         node.CreatedAt.Time,
		AuthorLogin:       string(node.Author.Login),
		AuthorAssociation: string(node.AuthorAssociation),
		DatabaseID:        int(node.DatabaseID),
	}
	if node.Editor != nil {
		comment.EditorLogin = string(node.Editor.Login)
	}
	return comment
}

// Comments returns every comment on the PR, oldest first.
func (pr *PullRequest) Comments() ([]Comment, error) {
	if pr.comments != nil {
		return pr.comments, nil
	}
	conn := pr.info.Comments
	var comments []Comment
	for page := 0; page < maxPages; page++ {
		var pageComments []Comment
		for _, node := range conn.Nodes {
			pageComments = append(pageComments, commentFromNode(node))
		}
		comments = append(pageComments, comments...)
		if !bool(conn.PageInfo.HasPreviousPage) {
			break
		}
		vars := pr.vars()
		vars["cursor"] = githubql.NewString(conn.PageInfo.StartCursor)
		q := prPrevCommentsQuery{}
		if err := pr.client.Query(context.Background(), &q, vars); err != nil {
			return nil, err
		}
		conn = q.Repository.PullRequest.Comments
	}
	pr.comments = comments
	return comments, nil
}

// LastComment returns the newest comment on the PR.
func (pr *PullRequest) LastComment() (Comment, error) {
	nodes := pr.info.Comments.Nodes
	if len(nodes) == 0 {
		return Comment{}, fmt.Errorf("PR %d has no comments", pr.Number)
	}
	return commentFromNode(nodes[len(nodes)-1]), nil
}

// CommentByID finds a comment by its database id, trying the prefetched
// page before paginating the full history.
func (pr *PullRequest) CommentByID(databaseID int) (Comment, error) {
	if pr.comments == nil {
		for _, node := range pr.info.Comments.Nodes {
			comment := commentFromNode(node)
			if comment.DatabaseID == databaseID {
				return comment, nil
			}
		}
	}
	comments, err := pr.Comments()
	if err != nil {
		return Comment{}, err
	}
	for _, comment := range comments {
		if comment.DatabaseID == databaseID {
			return comment, nil
		}
	}
	return Comment{}, fmt.Errorf("comment with id %d not found", databaseID)
}

// ExtractDiffRevision pulls the internal revision reference out of a PR
// body or commit message, or "" when there is none.
func ExtractDiffRevision(text string) string {
	m := diffRevisionRE.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

// DiffRevision extracts the internal revision reference from the PR body,
// or "" when there is none.
func (pr *PullRequest) DiffRevision() string {
	return ExtractDiffRevision(pr.Body())
}

// HasInternalChanges reports whether the PR carries changes that must land
// through the internal tool: the body references an internal revision and
// the internal-only check exists but did not pass.
func (pr *PullRequest) HasInternalChanges() (bool, error) {
	if pr.DiffRevision() == "" {
		return false, nil
	}
	conclusions, err := pr.GetCheckConclusions()
	if err != nil {
		return false, err
	}
	check, ok := conclusions[internalChangesCheck]
	if !ok {
		return false, nil
	}
	return check.Status != checks.StatusSuccess, nil
}
