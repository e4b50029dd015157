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

// Package rockset queries the CI analytics store for historical workflow job
// results. The store keeps one row per job execution, so results for a sha
// may contain reruns of the same job.
package rockset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultAPIServer is the regional query endpoint.
	DefaultAPIServer = "https://api.rs2.usw2.rockset.com"

	maxRetries = 5
	retryDelay = 100 * time.Millisecond
)

const jobsQuery = `
SELECT
    w.name as workflow_name,
    j.id,
    j.name,
    j.conclusion,
    j.completed_at,
    j.html_url,
    j.head_sha,
    j.torchci_classification.captures as failure_captures,
    LENGTH(j.steps) as steps,
FROM
    commons.workflow_job j join commons.workflow_run w on w.id = j.run_id
where
    j.head_sha in (:head_sha, :merge_base)
`

// Job is one historical workflow job execution.
type Job struct {
	WorkflowName    string   `json:"workflow_name"`
	ID              int64    `json:"id"`
	Name            string   `json:"name"`
	Conclusion      string   `json:"conclusion"`
	CompletedAt     string   `json:"completed_at"`
	HTMLURL         string   `json:"html_url"`
	HeadSHA         string   `json:"head_sha"`
	FailureCaptures []string `json:"failure_captures"`
	Steps           int      `json:"steps"`
}

// FullName is the key the rest of the system uses for the job.
func (j Job) FullName() string {
	return fmt.Sprintf("%s / %s", j.WorkflowName, j.Name)
}

// Client talks to the analytics store's SQL endpoint.
type Client struct {
	logger *logrus.Entry

	client    *http.Client
	apiServer string
	apiKey    string
}

// NewClient creates a client against the given API server. The key comes
// from the environment; no connection state is kept between queries.
func NewClient(apiServer, apiKey string, logger *logrus.Entry) *Client {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		logger:    logger.WithField("client", "rockset"),
		apiServer: apiServer,
		apiKey:    apiKey,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type queryParameter struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

type queryRequest struct {
	SQL struct {
		Query      string           `json:"query"`
		Parameters []queryParameter `json:"parameters"`
	} `json:"sql"`
}

type queryResponse struct {
	Results []Job `json:"results"`
}

// QueryJobs returns every recorded job whose head sha is either the PR head
// or the merge base.
func (c *Client) QueryJobs(headSHA, mergeBase string) ([]Job, error) {
	req := queryRequest{}
	req.SQL.Query = jobsQuery
	req.SQL.Parameters = []queryParameter{
		{Name: "head_sha", Type: "string", Value: headSHA},
		{Name: "merge_base", Type: "string", Value: mergeBase},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.request(http.MethodPost, "/v1/orgs/self/queries", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("response not 2XX: %s", resp.Status)
	}
	buf, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var qr queryResponse
	if err := json.Unmarshal(buf, &qr); err != nil {
		return nil, fmt.Errorf("decoding query response: %v", err)
	}
	c.logger.WithField("jobs", len(qr.Results)).Debug("Queried historical jobs.")
	return qr.Results, nil
}

// request retries on transport failures and 500s.
func (c *Client) request(method, path string, body []byte) (*http.Response, error) {
	var resp *http.Response
	var err error
	backoff := retryDelay
	for retries := 0; retries < maxRetries; retries++ {
		resp, err = c.doRequest(method, c.apiServer+path, body)
		if err == nil && resp.StatusCode < 500 {
			break
		} else if err == nil && retries+1 < maxRetries {
			resp.Body.Close()
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return resp, err
}

func (c *Client) doRequest(method, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "ApiKey "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	return c.client.Do(req)
}

// PartitionJobs splits query results into per-sha maps keyed by the
// workflow-qualified job name. For repeated keys a recorded success is
// sticky; otherwise the execution with the higher id wins.
func PartitionJobs(jobs []Job, headSHA, mergeBase string) (head, base map[string]*Job) {
	head = map[string]*Job{}
	base = map[string]*Job{}
	insert := func(m map[string]*Job, job Job) {
		key := job.FullName()
		existing, ok := m[key]
		if !ok {
			j := job
			m[key] = &j
			return
		}
		if existing.Conclusion == "success" {
			return
		}
		if existing.ID < job.ID {
			j := job
			m[key] = &j
		}
	}
	for _, job := range jobs {
		if job.HeadSHA == headSHA {
			insert(head, job)
		} else if job.HeadSHA == mergeBase {
			insert(base, job)
		}
	}
	return head, base
}
