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
	"encoding/base64"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func getClient(url string) *Client {
	c := NewClient("token", nil)
	c.base = url
	return c
}

func TestCreateComment(t *testing.T) {
	var posted IssueComment
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if r.URL.Path != "/repos/acme/proj/issues/7/comments" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Token token" {
			t.Errorf("unexpected auth header %q", got)
		}
		b, _ := ioutil.ReadAll(r.Body)
		if err := json.Unmarshal(b, &posted); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()
	if err := getClient(ts.URL).CreateComment("acme", "proj", 7, "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if posted.Body != "hello" {
		t.Errorf("posted body: got %q", posted.Body)
	}
}

func TestDryRunSuppressesPosts(t *testing.T) {
	requests := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer ts.Close()
	c := NewDryRunClient("token", nil)
	c.base = ts.URL
	if err := c.CreateComment("acme", "proj", 7, "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.AddLabels("acme", "proj", 7, []string{"merged"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if requests != 0 {
		t.Errorf("dry-run client made %d requests", requests)
	}
}

func TestAddLabels(t *testing.T) {
	var body map[string][]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := ioutil.ReadAll(r.Body)
		if err := json.Unmarshal(b, &body); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
	}))
	defer ts.Close()
	if err := getClient(ts.URL).AddLabels("acme", "proj", 7, []string{"merged"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(body["labels"]) != 1 || body["labels"][0] != "merged" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestFindIssues(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); !strings.Contains(got, `label:"ci: sev"`) {
			t.Errorf("unexpected query %q", got)
		}
		w.Write([]byte(`{"total_count": 1, "items": [{"number": 3, "body": "merge blocking", "html_url": "https://github.com/acme/proj/issues/3"}]}`))
	}))
	defer ts.Close()
	result, err := getClient(ts.URL).FindIssues(`repo:acme/proj is:open is:issue label:"ci: sev"`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Total != 1 || len(result.Issues) != 1 || result.Issues[0].Number != 3 {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestGetFileContents(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/proj/contents/.github/merge_rules.yaml" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		content := base64.StdEncoding.EncodeToString([]byte("- name: core\n"))
		json.NewEncoder(w).Encode(FileContents{Content: content, Encoding: "base64"})
	}))
	defer ts.Close()
	b, err := getClient(ts.URL).GetFileContents("acme", "proj", ".github/merge_rules.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(b) != "- name: core\n" {
		t.Errorf("unexpected contents %q", string(b))
	}
}

func TestRateLimitedRequestSurfacesError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Used", "5000")
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()
	_, err := getClient(ts.URL).FindIssues("anything")
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("unexpected error: %v", err)
	}
}
