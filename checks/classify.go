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

package checks

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/acme/mergebot/rockset"
)

// DefaultFlakyRulesURL serves the generated known-flake patterns.
const DefaultFlakyRulesURL = "https://raw.githubusercontent.com/acme/test-infra/generated-stats/stats/flaky-rules.json"

const flakyRuleFetchAttempts = 3

// FlakyRule describes a known-flaky failure signature. It matches a job when
// the rule name is a substring of the job name and every capture appears in
// the job's failure captures. A job with no recorded failure captures never
// matches.
type FlakyRule struct {
	Name     string   `json:"name"`
	Captures []string `json:"captures"`
}

// Matches reports whether the historical job exhibits this flake signature.
func (r FlakyRule) Matches(job *rockset.Job) bool {
	if job == nil {
		return false
	}
	if !strings.Contains(job.Name, r.Name) {
		return false
	}
	if job.FailureCaptures == nil {
		return false
	}
	for _, capture := range r.Captures {
		if !containsString(job.FailureCaptures, capture) {
			return false
		}
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// FetchFlakyRules downloads the flaky-rule feed. The feed is advisory, so a
// persistent failure degrades to an empty rule list rather than an error.
func FetchFlakyRules(url string, logger *logrus.Entry) []FlakyRule {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	client := &http.Client{Timeout: 30 * time.Second}
	var lastErr error
	for i := 0; i < flakyRuleFetchAttempts; i++ {
		rules, err := fetchFlakyRulesOnce(client, url)
		if err == nil {
			return rules
		}
		lastErr = err
	}
	logger.WithError(lastErr).Warnf("Could not download %s", url)
	return nil
}

func fetchFlakyRulesOnce(client *http.Client, url string) ([]FlakyRule, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetching %s: response not 2XX: %s", url, resp.Status)
	}
	b, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var rules []FlakyRule
	if err := json.Unmarshal(b, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// Classify labels every non-successful check. A failure seen with the same
// conclusion and failure captures on the merge base is a broken trunk; a
// head job that crashed before running any real step, or that matches a
// known flake signature, is flaky. Everything else keeps an empty
// classification and remains blocking.
func Classify(conclusions map[string]*JobCheckState, headJobs, baseJobs map[string]*rockset.Job, flakyRules []FlakyRule) {
	for name, check := range conclusions {
		if check.Status == StatusSuccess {
			continue
		}
		headJob := headJobs[name]
		baseJob := baseJobs[name]
		switch {
		case headJob != nil && baseJob != nil &&
			headJob.Conclusion == baseJob.Conclusion &&
			equalCaptures(headJob.FailureCaptures, baseJob.FailureCaptures):
			check.Classification = ClassificationBrokenTrunk
		case headJob != nil && headJob.Steps <= 1:
			check.Classification = ClassificationFlaky
		case matchesAnyFlakyRule(headJob, flakyRules):
			check.Classification = ClassificationFlaky
		}
	}
}

func matchesAnyFlakyRule(job *rockset.Job, rules []FlakyRule) bool {
	for _, rule := range rules {
		if rule.Matches(job) {
			return true
		}
	}
	return false
}

func equalCaptures(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
