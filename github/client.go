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
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"sync"
	"time"

	githubql "github.com/shurcooL/githubv4"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const (
	githubBase = "https://api.github.com"
	maxRetries = 8
	retryDelay = 2 * time.Second
)

// Client talks to the GitHub REST and GraphQL APIs.
type Client struct {
	logger *logrus.Entry

	client *http.Client
	gqlc   *githubql.Client
	token  string
	base   string
	dry    bool

	mut         sync.Mutex
	teamMembers map[string][]string
}

// NewClient creates a new fully operational GitHub client.
func NewClient(token string, logger *logrus.Entry) *Client {
	return newClient(token, logger, false)
}

// NewDryRunClient creates a client that will not perform mutating actions
// such as commenting or adding labels, but it will still query GitHub and
// use up API tokens.
func NewDryRunClient(token string, logger *logrus.Entry) *Client {
	return newClient(token, logger, true)
}

func newClient(token string, logger *logrus.Entry, dry bool) *Client {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &Client{
		logger:      logger.WithField("client", "github"),
		client:      &http.Client{},
		gqlc:        githubql.NewClient(oauth2.NewClient(context.Background(), ts)),
		token:       token,
		base:        githubBase,
		dry:         dry,
		teamMembers: map[string][]string{},
	}
}

// Query runs a GraphQL query using the typed query object and variables. A
// response carrying GraphQL errors is surfaced as a plain error.
func (c *Client) Query(ctx context.Context, q interface{}, vars map[string]interface{}) error {
	return c.gqlc.Query(ctx, q, vars)
}

// Retry on transport failures. Does not retry on 500s.
func (c *Client) request(method, path string, body interface{}) (*http.Response, error) {
	var resp *http.Response
	var err error
	backoff := retryDelay
	for retries := 0; retries < maxRetries; retries++ {
		resp, err = c.doRequest(method, path, body)
		if err == nil {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return resp, err
}

func (c *Client) doRequest(method, path string, body interface{}) (*http.Response, error) {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		buf = bytes.NewBuffer(b)
	}
	req, err := http.NewRequest(method, path, buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Add("Accept", "application/vnd.github.v3+json")
	// Disable keep-alive so that we don't get flakes when GitHub closes the
	// connection prematurely.
	req.Close = true
	return c.client.Do(req)
}

// getJSON fetches path and decodes the JSON response into out.
func (c *Client) getJSON(path string, params url.Values, out interface{}) error {
	if params != nil && len(params) > 0 {
		path = path + "?" + params.Encode()
	}
	resp, err := c.request(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.readJSON(resp, out)
}

// postJSON posts body to path. Mutations are suppressed and logged in
// dry-run mode.
func (c *Client) postJSON(path string, body interface{}) error {
	if c.dry {
		b, _ := json.Marshal(body)
		c.logger.Infof("[dry-run] POST %s: %s", path, string(b))
		return nil
	}
	resp, err := c.request(http.MethodPost, path, body)
	if err != nil {
		return err
	}
	return c.readJSON(resp, nil)
}

func (c *Client) readJSON(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.surfaceRateLimit(resp)
		return fmt.Errorf("return code not 2XX: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	b, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// surfaceRateLimit logs a diagnostic when a 403 looks like a spent quota.
func (c *Client) surfaceRateLimit(resp *http.Response) {
	if resp.StatusCode != 403 {
		return
	}
	limit := resp.Header.Get("X-RateLimit-Limit")
	used := resp.Header.Get("X-RateLimit-Used")
	if limit == "" || used == "" {
		return
	}
	c.logger.Errorf("Rate limit exceeded: %s/%s", used, limit)
}

// CreateComment creates a comment on the issue.
func (c *Client) CreateComment(org, repo string, number int, comment string) error {
	c.logger.WithField("pr", number).Debug("CreateComment")
	return c.postJSON(
		fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments", c.base, org, repo, number),
		IssueComment{Body: comment},
	)
}

// CreateCommitComment creates a comment on the commit.
func (c *Client) CreateCommitComment(org, repo, sha, comment string) error {
	c.logger.WithField("sha", sha).Debug("CreateCommitComment")
	return c.postJSON(
		fmt.Sprintf("%s/repos/%s/%s/commits/%s/comments", c.base, org, repo, sha),
		IssueComment{Body: comment},
	)
}

// AddLabels adds the labels to the issue.
func (c *Client) AddLabels(org, repo string, number int, labels []string) error {
	c.logger.WithField("pr", number).WithField("labels", labels).Debug("AddLabels")
	return c.postJSON(
		fmt.Sprintf("%s/repos/%s/%s/issues/%d/labels", c.base, org, repo, number),
		map[string][]string{"labels": labels},
	)
}

// FindIssues uses the github search API to find issues matching a query.
func (c *Client) FindIssues(query string) (*IssuesSearchResult, error) {
	c.logger.WithField("query", query).Debug("FindIssues")
	var result IssuesSearchResult
	params := url.Values{"q": []string{query}}
	if err := c.getJSON(c.base+"/search/issues", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetFileContents fetches a file from the default branch through the
// contents API and returns its decoded bytes.
func (c *Client) GetFileContents(org, repo, path string) ([]byte, error) {
	c.logger.WithField("path", path).Debug("GetFileContents")
	var contents FileContents
	err := c.getJSON(fmt.Sprintf("%s/repos/%s/%s/contents/%s", c.base, org, repo, path), nil, &contents)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(contents.Content)
}

type teamMembersQuery struct {
	Organization struct {
		Team *struct {
			Members struct {
				Nodes []struct {
					Login githubql.String
				}
				PageInfo struct {
					HasNextPage githubql.Boolean
					EndCursor   githubql.String
				}
			} `graphql:"members(first: 100, after: $cursor)"`
		} `graphql:"team(slug: $slug)"`
	} `graphql:"organization(login: $org)"`
}

// TeamMembers returns the flattened member logins of org/slug. Results are
// memoized for the process lifetime. Requesting a team that does not exist
// logs a warning and yields an empty list.
func (c *Client) TeamMembers(org, slug string) ([]string, error) {
	key := org + "/" + slug
	c.mut.Lock()
	if members, ok := c.teamMembers[key]; ok {
		c.mut.Unlock()
		return members, nil
	}
	c.mut.Unlock()

	var members []string
	vars := map[string]interface{}{
		"org":    githubql.String(org),
		"slug":   githubql.String(slug),
		"cursor": (*githubql.String)(nil),
	}
	for {
		q := teamMembersQuery{}
		if err := c.Query(context.Background(), &q, vars); err != nil {
			return nil, err
		}
		if q.Organization.Team == nil {
			c.logger.Warnf("Requested non-existing team %s", key)
			members = []string{}
			break
		}
		for _, node := range q.Organization.Team.Members.Nodes {
			members = append(members, string(node.Login))
		}
		if !bool(q.Organization.Team.Members.PageInfo.HasNextPage) {
			break
		}
		vars["cursor"] = githubql.NewString(q.Organization.Team.Members.PageInfo.EndCursor)
	}

	c.mut.Lock()
	c.teamMembers[key] = members
	c.mut.Unlock()
	return members, nil
}
