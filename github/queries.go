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

	githubql "github.com/shurcooL/githubv4"

	"github.com/acme/mergebot/checks"
)

// statusContext is a legacy commit status (CircleCI, EasyCLA and friends).
type statusContext struct {
	Context   githubql.String
	State     githubql.String
	TargetURL githubql.String `graphql:"targetUrl"`
}

type fileNode struct {
	Path githubql.String
}

type fileConnection struct {
	Nodes    []fileNode
	PageInfo struct {
		EndCursor   githubql.String
		HasNextPage githubql.Boolean
	}
}

type reviewNode struct {
	Author struct {
		Login githubql.String
	}
	State githubql.String
}

type reviewConnection struct {
	Nodes    []reviewNode
	PageInfo struct {
		StartCursor     githubql.String
		HasPreviousPage githubql.Boolean
	}
}

type commentNode struct {
	BodyText          githubql.String
	CreatedAt         githubql.DateTime
	Author            struct{ Login githubql.String }
	AuthorAssociation githubql.String
	Editor            *struct{ Login githubql.String }
	DatabaseID        githubql.Int `graphql:"databaseId"`
}

type commentConnection struct {
	Nodes    []commentNode
	PageInfo struct {
		StartCursor     githubql.String
		HasPreviousPage githubql.Boolean
	}
}

type commitAuthorNode struct {
	Commit struct {
		Author struct {
			User *struct {
				Login githubql.String
			}
			Email githubql.String
			Name  githubql.String
		}
		OID githubql.String `graphql:"oid"`
	}
}

type commitAuthorConnection struct {
	Nodes    []commitAuthorNode
	PageInfo struct {
		EndCursor   githubql.String
		HasNextPage githubql.Boolean
	}
	TotalCount githubql.Int
}

type compareParentEdge struct {
	Node struct {
		OID githubql.String `graphql:"oid"`
	}
}

type compareCommitEdge struct {
	Node struct {
		Parents struct {
			Edges []compareParentEdge
		} `graphql:"parents(first: 1)"`
	}
}

// headRefCompare resolves the merge base: the first commit the head is
// ahead by, compared against the default branch, names the merge base as
// its first parent.
type headRefCompare struct {
	Compare struct {
		Commits struct {
			Edges []compareCommitEdge
		} `graphql:"commits(first: 1)"`
	} `graphql:"compare(headRef: $compareRef)"`
}

type labelEdge struct {
	Node struct {
		Name githubql.String
	}
}

type lastCommit struct {
	CheckSuites checks.CheckSuiteConnection `graphql:"checkSuites(first: 10)"`
	Status      *struct {
		Contexts []statusContext
	}
	PushedDate *githubql.DateTime
	OID        githubql.String `graphql:"oid"`
}

// prInfo is the composite snapshot the bot builds a PR view from.
type prInfo struct {
	Closed            githubql.Boolean
	IsCrossRepository githubql.Boolean
	Author            struct {
		Login githubql.String
	}
	Title          githubql.String
	Body           githubql.String
	HeadRefName    githubql.String
	HeadRepository *struct {
		NameWithOwner githubql.String
	}
	BaseRefName    githubql.String
	BaseRepository struct {
		NameWithOwner    githubql.String
		IsPrivate        githubql.Boolean
		DefaultBranchRef struct {
			Name githubql.String
		}
	}
	MergeCommit *struct {
		OID githubql.String `graphql:"oid"`
	}
	CommitsWithAuthors commitAuthorConnection `graphql:"commitsWithAuthors: commits(first: 100)"`
	Commits            struct {
		Nodes []struct {
			Commit lastCommit
		}
	} `graphql:"commits(last: 1)"`
	ChangedFiles githubql.Int
	Files        fileConnection    `graphql:"files(first: 100)"`
	Reviews      reviewConnection  `graphql:"reviews(last: 100)"`
	Comments     commentConnection `graphql:"comments(last: 5)"`
	Labels       struct {
		Edges []labelEdge
	} `graphql:"labels(first: 100)"`
	HeadRef *headRefCompare
}

type prInfoQuery struct {
	Repository struct {
		PullRequest prInfo `graphql:"pullRequest(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

type prNextFilesQuery struct {
	Repository struct {
		PullRequest struct {
			Files fileConnection `graphql:"files(first: 100, after: $cursor)"`
		} `graphql:"pullRequest(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

type prNextAuthorsQuery struct {
	Repository struct {
		PullRequest struct {
			CommitsWithAuthors commitAuthorConnection `graphql:"commitsWithAuthors: commits(first: 100, after: $cursor)"`
		} `graphql:"pullRequest(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

type prPrevReviewsQuery struct {
	Repository struct {
		PullRequest struct {
			Reviews reviewConnection `graphql:"reviews(last: 100, before: $cursor)"`
		} `graphql:"pullRequest(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

type prPrevCommentsQuery struct {
	Repository struct {
		PullRequest struct {
			Comments commentConnection `graphql:"comments(last: 100, before: $cursor)"`
		} `graphql:"pullRequest(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

type prNextCheckSuitesQuery struct {
	Repository struct {
		PullRequest struct {
			Commits struct {
				Nodes []struct {
					Commit struct {
						OID         githubql.String             `graphql:"oid"`
						CheckSuites checks.CheckSuiteConnection `graphql:"checkSuites(first: 10, after: $cursor)"`
					}
				}
			} `graphql:"commits(last: 1)"`
		} `graphql:"pullRequest(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

type prNextCheckRunsQuery struct {
	Repository struct {
		PullRequest struct {
			Commits struct {
				Nodes []struct {
					Commit struct {
						OID         githubql.String `graphql:"oid"`
						CheckSuites struct {
							Nodes []struct {
								CheckRuns checks.CheckRunConnection `graphql:"checkRuns(first: 100, after: $crCursor)"`
							}
						} `graphql:"checkSuites(first: 1, after: $csCursor)"`
					}
				}
			} `graphql:"commits(last: 1)"`
		} `graphql:"pullRequest(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

type commitCheckSuitesQuery struct {
	Repository struct {
		Object *struct {
			Commit struct {
				CheckSuites checks.CheckSuiteConnection `graphql:"checkSuites(first: 10)"`
			} `graphql:"... on Commit"`
		} `graphql:"object(expression: $commit)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

type commitNextCheckSuitesQuery struct {
	Repository struct {
		Object *struct {
			Commit struct {
				OID         githubql.String             `graphql:"oid"`
				CheckSuites checks.CheckSuiteConnection `graphql:"checkSuites(first: 10, after: $cursor)"`
			} `graphql:"... on Commit"`
		} `graphql:"object(expression: $commit)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

type commitNextCheckRunsQuery struct {
	Repository struct {
		Object *struct {
			Commit struct {
				OID         githubql.String `graphql:"oid"`
				CheckSuites struct {
					Nodes []struct {
						CheckRuns checks.CheckRunConnection `graphql:"checkRuns(first: 100, after: $crCursor)"`
					}
				} `graphql:"checkSuites(first: 1, after: $csCursor)"`
			} `graphql:"... on Commit"`
		} `graphql:"object(expression: $commit)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

// prSuitePager pages through the check-suite graph of a PR's head commit.
type prSuitePager struct {
	client  *Client
	org     string
	project string
	number  int
	headOID string
}

func (p *prSuitePager) vars() map[string]interface{} {
	return map[string]interface{}{
		"owner":  githubql.String(p.org),
		"name":   githubql.String(p.project),
		"number": githubql.Int(p.number),
	}
}

func (p *prSuitePager) NextCheckRuns(edges []checks.CheckSuiteEdge, idx int, runs checks.CheckRunConnection) (checks.CheckRunConnection, error) {
	vars := p.vars()
	vars["csCursor"] = (*githubql.String)(nil)
	if idx > 0 {
		vars["csCursor"] = githubql.NewString(edges[idx-1].Cursor)
	}
	vars["crCursor"] = githubql.NewString(runs.PageInfo.EndCursor)
	q := prNextCheckRunsQuery{}
	if err := p.client.Query(context.Background(), &q, vars); err != nil {
		return checks.CheckRunConnection{}, err
	}
	commits := q.Repository.PullRequest.Commits.Nodes
	if len(commits) == 0 {
		return checks.CheckRunConnection{}, fmt.Errorf("no commits returned for PR %d", p.number)
	}
	suites := commits[len(commits)-1].Commit.CheckSuites.Nodes
	if len(suites) == 0 {
		return checks.CheckRunConnection{}, fmt.Errorf("no check suite at cursor for PR %d", p.number)
	}
	return suites[len(suites)-1].CheckRuns, nil
}

func (p *prSuitePager) NextCheckSuites(suites checks.CheckSuiteConnection) (checks.CheckSuiteConnection, error) {
	if len(suites.Edges) == 0 {
		return checks.CheckSuiteConnection{}, fmt.Errorf("no suite cursor to continue from for PR %d", p.number)
	}
	vars := p.vars()
	vars["cursor"] = githubql.NewString(suites.Edges[len(suites.Edges)-1].Cursor)
	q := prNextCheckSuitesQuery{}
	if err := p.client.Query(context.Background(), &q, vars); err != nil {
		return checks.CheckSuiteConnection{}, err
	}
	commits := q.Repository.PullRequest.Commits.Nodes
	if len(commits) == 0 {
		return checks.CheckSuiteConnection{}, fmt.Errorf("no commits returned for PR %d", p.number)
	}
	last := commits[len(commits)-1].Commit
	if string(last.OID) != p.headOID {
		return checks.CheckSuiteConnection{}, fmt.Errorf("last commit changed on PR %d while paginating check suites", p.number)
	}
	return last.CheckSuites, nil
}

// commitSuitePager pages through the check-suite graph of a bare commit,
// such as the head of a land-validation branch.
type commitSuitePager struct {
	client  *Client
	org     string
	project string
	commit  string
}

func (p *commitSuitePager) vars() map[string]interface{} {
	return map[string]interface{}{
		"owner":  githubql.String(p.org),
		"name":   githubql.String(p.project),
		"commit": githubql.String(p.commit),
	}
}

func (p *commitSuitePager) NextCheckRuns(edges []checks.CheckSuiteEdge, idx int, runs checks.CheckRunConnection) (checks.CheckRunConnection, error) {
	vars := p.vars()
	vars["csCursor"] = (*githubql.String)(nil)
	if idx > 0 {
		vars["csCursor"] = githubql.NewString(edges[idx-1].Cursor)
	}
	vars["crCursor"] = githubql.NewString(runs.PageInfo.EndCursor)
	q := commitNextCheckRunsQuery{}
	if err := p.client.Query(context.Background(), &q, vars); err != nil {
		return checks.CheckRunConnection{}, err
	}
	if q.Repository.Object == nil {
		return checks.CheckRunConnection{}, fmt.Errorf("commit %s not found", p.commit)
	}
	suites := q.Repository.Object.Commit.CheckSuites.Nodes
	if len(suites) == 0 {
		return checks.CheckRunConnection{}, fmt.Errorf("no check suite at cursor for commit %s", p.commit)
	}
	return suites[len(suites)-1].CheckRuns, nil
}

func (p *commitSuitePager) NextCheckSuites(suites checks.CheckSuiteConnection) (checks.CheckSuiteConnection, error) {
	if len(suites.Edges) == 0 {
		return checks.CheckSuiteConnection{}, fmt.Errorf("no suite cursor to continue from for commit %s", p.commit)
	}
	vars := p.vars()
	vars["cursor"] = githubql.NewString(suites.Edges[len(suites.Edges)-1].Cursor)
	q := commitNextCheckSuitesQuery{}
	if err := p.client.Query(context.Background(), &q, vars); err != nil {
		return checks.CheckSuiteConnection{}, err
	}
	if q.Repository.Object == nil {
		return checks.CheckSuiteConnection{}, fmt.Errorf("commit %s not found", p.commit)
	}
	return q.Repository.Object.Commit.CheckSuites, nil
}

// GetCommitCheckConclusions aggregates the check state of a bare commit.
// Used for land-validation commits, which have no PR of their own.
func (c *Client) GetCommitCheckConclusions(org, project, commit string) (map[string]*checks.JobCheckState, error) {
	vars := map[string]interface{}{
		"owner":  githubql.String(org),
		"name":   githubql.String(project),
		"commit": githubql.String(commit),
	}
	q := commitCheckSuitesQuery{}
	if err := c.Query(context.Background(), &q, vars); err != nil {
		return nil, err
	}
	if q.Repository.Object == nil {
		return nil, fmt.Errorf("commit %s not found in %s/%s", commit, org, project)
	}
	pager := &commitSuitePager{client: c, org: org, project: project, commit: commit}
	return checks.AddWorkflowConclusions(q.Repository.Object.Commit.CheckSuites, pager)
}
