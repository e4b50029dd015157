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

// Package checks flattens the check-suite/check-run graph reported for a
// commit into a single job-name keyed view and classifies failures against
// historical job results.
package checks

import (
	"strings"

	githubql "github.com/shurcooL/githubv4"
)

// Conclusion values the bot cares about. GitHub reports these upper-case;
// an empty status means the job has not concluded yet.
const (
	StatusSuccess        = "SUCCESS"
	StatusFailure        = "FAILURE"
	StatusSkipped        = "SKIPPED"
	StatusNeutral        = "NEUTRAL"
	StatusCancelled      = "CANCELLED"
	StatusStartupFailure = "STARTUP_FAILURE"
)

// Classifications attached to failed jobs that should not block a merge.
const (
	ClassificationFlaky       = "FLAKY"
	ClassificationBrokenTrunk = "BROKEN_TRUNK"
)

// JobCheckState is the result of a single CI job instance.
type JobCheckState struct {
	Name           string
	URL            string
	Status         string
	Classification string
}

// WorkflowCheckState groups the jobs of one CI workflow run.
type WorkflowCheckState struct {
	Name   string
	URL    string
	Status string
	Jobs   map[string]*JobCheckState
}

// CheckRun holds graphql response data for a single check run.
type CheckRun struct {
	Name       githubql.String
	Conclusion githubql.String
	DetailsURL githubql.String `graphql:"detailsUrl"`
}

// PageInfo is the forward-pagination cursor pair.
type PageInfo struct {
	EndCursor   githubql.String
	HasNextPage githubql.Boolean
}

// CheckRunConnection is one page of check runs within a suite.
type CheckRunConnection struct {
	Nodes    []CheckRun
	PageInfo PageInfo
}

// WorkflowRun identifies the workflow a check suite executed.
type WorkflowRun struct {
	Workflow struct {
		Name githubql.String
	}
	URL githubql.String `graphql:"url"`
}

// CheckSuite holds graphql response data for one check suite.
type CheckSuite struct {
	App *struct {
		Name       githubql.String
		DatabaseID githubql.Int `graphql:"databaseId"`
	}
	WorkflowRun *WorkflowRun
	CheckRuns   CheckRunConnection `graphql:"checkRuns(first: 50)"`
	Conclusion  githubql.String
}

// CheckSuiteEdge pairs a suite with its pagination cursor.
type CheckSuiteEdge struct {
	Node   CheckSuite
	Cursor githubql.String
}

// CheckSuiteConnection is one page of check suites attached to a commit.
type CheckSuiteConnection struct {
	Edges    []CheckSuiteEdge
	PageInfo struct {
		HasNextPage githubql.Boolean
	}
}

// SuitePager advances pagination of the check-suite graph. The two
// implementations differ only in query scope: one walks the suites of a PR's
// head commit, the other the suites of an arbitrary commit.
type SuitePager interface {
	// NextCheckRuns returns the next page of check runs for the suite at
	// edges[idx], continuing from runs.
	NextCheckRuns(edges []CheckSuiteEdge, idx int, runs CheckRunConnection) (CheckRunConnection, error)
	// NextCheckSuites returns the page of suites following suites.
	NextCheckSuites(suites CheckSuiteConnection) (CheckSuiteConnection, error)
}

// IsPassingStatus reports whether a conclusion counts as passing.
func IsPassingStatus(status string) bool {
	switch strings.ToUpper(status) {
	case StatusSuccess, StatusSkipped, StatusNeutral:
		return true
	}
	return false
}

func checkRunNamePrefix(wf *WorkflowRun) string {
	if wf == nil {
		return ""
	}
	return string(wf.Workflow.Name) + " / "
}

// AddWorkflowConclusions walks the paginated suite graph and flattens it into
// a job-name keyed map. Workflows that reported jobs are represented only by
// those jobs; a workflow without jobs contributes a single entry under its
// own name. A rerun that cancelled an earlier suite of the same workflow
// never displaces the first non-cancelled result, and a passing job entry is
// never overwritten by a later duplicate.
func AddWorkflowConclusions(suites CheckSuiteConnection, pager SuitePager) (map[string]*JobCheckState, error) {
	workflows := map[string]*WorkflowCheckState{}
	// Bucket for suites that have no workflow run at all.
	noWorkflow := &WorkflowCheckState{Jobs: map[string]*JobCheckState{}}

	addConclusions := func(edges []CheckSuiteEdge) error {
		for i, edge := range edges {
			node := edge.Node
			workflow := noWorkflow
			if node.WorkflowRun != nil {
				name := string(node.WorkflowRun.Workflow.Name)
				if string(node.Conclusion) == StatusCancelled {
					if _, ok := workflows[name]; ok {
						continue
					}
				}
				if _, ok := workflows[name]; !ok {
					workflows[name] = &WorkflowCheckState{
						Name:   name,
						URL:    string(node.WorkflowRun.URL),
						Status: string(node.Conclusion),
						Jobs:   map[string]*JobCheckState{},
					}
				}
				workflow = workflows[name]
			}

			runs := &node.CheckRuns
			for runs != nil {
				for _, run := range runs.Nodes {
					name := checkRunNamePrefix(node.WorkflowRun) + string(run.Name)
					if existing, ok := workflow.Jobs[name]; ok && IsPassingStatus(existing.Status) {
						continue
					}
					workflow.Jobs[name] = &JobCheckState{
						Name:   name,
						URL:    string(run.DetailsURL),
						Status: string(run.Conclusion),
					}
				}
				if !bool(runs.PageInfo.HasNextPage) {
					break
				}
				next, err := pager.NextCheckRuns(edges, i, *runs)
				if err != nil {
					return err
				}
				runs = &next
			}
		}
		return nil
	}

	if err := addConclusions(suites.Edges); err != nil {
		return nil, err
	}
	for bool(suites.PageInfo.HasNextPage) {
		var err error
		suites, err = pager.NextCheckSuites(suites)
		if err != nil {
			return nil, err
		}
		if err := addConclusions(suites.Edges); err != nil {
			return nil, err
		}
	}

	res := map[string]*JobCheckState{}
	for name, workflow := range workflows {
		if len(workflow.Jobs) > 0 {
			for jobName, job := range workflow.Jobs {
				res[jobName] = job
			}
		} else {
			res[name] = &JobCheckState{
				Name:   workflow.Name,
				URL:    workflow.URL,
				Status: workflow.Status,
			}
		}
	}
	for name, job := range noWorkflow.Jobs {
		res[name] = job
	}
	return res, nil
}
