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

package rules

import (
	"errors"
	"strings"
	"testing"

	"github.com/acme/mergebot/checks"
)

type fakePR struct {
	num        int
	files      []string
	approvedBy []string
	internal   bool
}

func (p *fakePR) Num() int                          { return p.num }
func (p *fakePR) Owner() string                     { return "acme" }
func (p *fakePR) Repo() string                      { return "proj" }
func (p *fakePR) LastCommitSHA() string             { return "abc123" }
func (p *fakePR) ChangedFiles() ([]string, error)   { return p.files, nil }
func (p *fakePR) ApprovedBy() ([]string, error)     { return p.approvedBy, nil }
func (p *fakePR) HasInternalChanges() (bool, error) { return p.internal, nil }

type fakeTeams map[string][]string

func (f fakeTeams) TeamMembers(org, slug string) ([]string, error) {
	return f[org+"/"+slug], nil
}

func check(name, status, classification string) *checks.JobCheckState {
	return &checks.JobCheckState{
		Name:           name,
		URL:            "https://ci.example.com/" + name,
		Status:         status,
		Classification: classification,
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := parse([]byte(`
- name: core
  patterns: ["**"]
  approved_by: [alice]
  surprise_key: true
`))
	if err == nil {
		t.Fatal("expected an error for an unknown key")
	}
}

func TestParse(t *testing.T) {
	rules, err := parse([]byte(`
- name: core
  patterns: ["**"]
  approved_by: [alice, acme/devs]
  mandatory_checks_name:
  - EasyCLA
  - linux-test
- name: docs
  patterns: ["docs/**"]
  approved_by: [bob]
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2", len(rules))
	}
	if rules[0].Name != "core" || len(rules[0].MandatoryChecksName) != 2 {
		t.Errorf("unexpected first rule: %+v", rules[0])
	}
	if rules[1].MandatoryChecksName != nil {
		t.Errorf("docs rule should have no mandatory checks: %+v", rules[1])
	}
}

func TestCategorizeChecks(t *testing.T) {
	testCases := []struct {
		name        string
		conclusions map[string]*checks.JobCheckState
		required    []string
		threshold   int
		wantPending []string
		wantFailed  []string
	}{
		{
			name: "all passing",
			conclusions: map[string]*checks.JobCheckState{
				"pull / linux-test": check("pull / linux-test", "SUCCESS", ""),
			},
			required:  []string{"linux-test"},
			threshold: 3,
		},
		{
			name:        "required check never reported is pending",
			conclusions: map[string]*checks.JobCheckState{},
			required:    []string{"linux-test"},
			threshold:   3,
			wantPending: []string{"linux-test"},
		},
		{
			name: "unconcluded check is pending",
			conclusions: map[string]*checks.JobCheckState{
				"pull / linux-test": check("pull / linux-test", "", ""),
			},
			required:    []string{"linux-test"},
			threshold:   3,
			wantPending: []string{"pull / linux-test"},
		},
		{
			name: "failed check",
			conclusions: map[string]*checks.JobCheckState{
				"pull / linux-test": check("pull / linux-test", "FAILURE", ""),
			},
			required:   []string{"linux-test"},
			threshold:  3,
			wantFailed: []string{"pull / linux-test"},
		},
		{
			name: "classified failures are tolerated",
			conclusions: map[string]*checks.JobCheckState{
				"pull / a": check("pull / a", "FAILURE", checks.ClassificationBrokenTrunk),
				"pull / b": check("pull / b", "FAILURE", checks.ClassificationFlaky),
				"pull / c": check("pull / c", "SUCCESS", ""),
			},
			required:  []string{"pull"},
			threshold: 3,
		},
		{
			name: "too many tolerated failures count as failures again",
			conclusions: map[string]*checks.JobCheckState{
				"pull / a": check("pull / a", "FAILURE", checks.ClassificationFlaky),
				"pull / b": check("pull / b", "FAILURE", checks.ClassificationFlaky),
			},
			required:   []string{"pull"},
			threshold:  1,
			wantFailed: []string{"pull / a", "pull / b"},
		},
		{
			name: "irrelevant checks are ignored",
			conclusions: map[string]*checks.JobCheckState{
				"nightly / build": check("nightly / build", "FAILURE", ""),
				"pull / test":     check("pull / test", "SUCCESS", ""),
			},
			required:  []string{"pull / test"},
			threshold: 3,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pending, failed := CategorizeChecks(tc.conclusions, tc.required, tc.threshold)
			if got := tupleNames(pending); !equalStrings(got, tc.wantPending) {
				t.Errorf("pending: got %v, want %v", got, tc.wantPending)
			}
			if got := tupleNames(failed); !equalStrings(got, tc.wantFailed) {
				t.Errorf("failed: got %v, want %v", got, tc.wantFailed)
			}
		})
	}
}

func tupleNames(tuples []CheckTuple) []string {
	var names []string
	for _, tuple := range tuples {
		names = append(names, tuple.Name)
	}
	return names
}

func equalStrings(a, b []string) bool {
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

func testRules() []MergeRule {
	return []MergeRule{
		{
			Name:                "docs",
			Patterns:            []string{"docs/**"},
			ApprovedBy:          []string{"dana"},
			MandatoryChecksName: []string{"lint"},
		},
		{
			Name:                "core",
			Patterns:            []string{"**"},
			ApprovedBy:          []string{"alice", "acme/devs"},
			MandatoryChecksName: []string{"EasyCLA", "linux-test"},
		},
	}
}

func TestFindMatchingMergeRule(t *testing.T) {
	teams := fakeTeams{"acme/devs": {"bob"}}
	greenChecks := map[string]*checks.JobCheckState{
		"EasyCLA":           check("EasyCLA", "SUCCESS", ""),
		"pull / linux-test": check("pull / linux-test", "SUCCESS", ""),
	}

	testCases := []struct {
		name        string
		pr          *fakePR
		conclusions map[string]*checks.JobCheckState
		opts        Options
		wantRule    string
		wantErr     string
		wantPending bool
	}{
		{
			name:        "happy path",
			pr:          &fakePR{num: 1001, files: []string{"a.go", "b/c.go", "d.txt"}, approvedBy: []string{"alice"}},
			conclusions: greenChecks,
			wantRule:    "core",
		},
		{
			name:        "team member approval works",
			pr:          &fakePR{num: 1001, files: []string{"a.go"}, approvedBy: []string{"bob"}},
			conclusions: greenChecks,
			wantRule:    "core",
		},
		{
			name:        "unreviewed PR is rejected",
			pr:          &fakePR{num: 1001, files: []string{"a.go"}},
			conclusions: greenChecks,
			wantErr:     "has not been reviewed yet",
		},
		{
			name:        "approval by the wrong user is rejected",
			pr:          &fakePR{num: 1001, files: []string{"a.go"}, approvedBy: []string{"mallory"}},
			conclusions: greenChecks,
			wantErr:     "Approval needed from one of the following",
		},
		{
			name: "pending mandatory check is a retriable rejection",
			pr:   &fakePR{num: 1002, files: []string{"a.go"}, approvedBy: []string{"alice"}},
			conclusions: map[string]*checks.JobCheckState{
				"EasyCLA":           check("EasyCLA", "SUCCESS", ""),
				"pull / linux-test": check("pull / linux-test", "", ""),
			},
			wantErr:     "mandatory check(s) are pending",
			wantPending: true,
		},
		{
			name: "failed mandatory check is terminal",
			pr:   &fakePR{num: 1002, files: []string{"a.go"}, approvedBy: []string{"alice"}},
			conclusions: map[string]*checks.JobCheckState{
				"EasyCLA":           check("EasyCLA", "SUCCESS", ""),
				"pull / linux-test": check("pull / linux-test", "FAILURE", ""),
			},
			wantErr: "mandatory check(s) failed",
		},
		{
			name: "broken trunk failure is tolerated",
			pr:   &fakePR{num: 1003, files: []string{"a.go"}, approvedBy: []string{"alice"}},
			conclusions: map[string]*checks.JobCheckState{
				"EasyCLA":           check("EasyCLA", "SUCCESS", ""),
				"pull / linux-test": check("pull / linux-test", "FAILURE", checks.ClassificationBrokenTrunk),
			},
			wantRule: "core",
		},
		{
			name: "force keeps only the CLA check",
			pr:   &fakePR{num: 1002, files: []string{"a.go"}, approvedBy: []string{"alice"}},
			conclusions: map[string]*checks.JobCheckState{
				"EasyCLA":           check("EasyCLA", "SUCCESS", ""),
				"pull / linux-test": check("pull / linux-test", "FAILURE", ""),
			},
			opts:     Options{SkipMandatoryChecks: true},
			wantRule: "core",
		},
		{
			name: "force still requires the CLA check",
			pr:   &fakePR{num: 1002, files: []string{"a.go"}, approvedBy: []string{"alice"}},
			conclusions: map[string]*checks.JobCheckState{
				"EasyCLA": check("EasyCLA", "FAILURE", ""),
			},
			opts:    Options{SkipMandatoryChecks: true},
			wantErr: "mandatory check(s) failed",
		},
		{
			name:        "internal changes require the internal tool",
			pr:          &fakePR{num: 1004, files: []string{"a.go"}, approvedBy: []string{"alice"}, internal: true},
			conclusions: greenChecks,
			wantErr:     "internal tool",
		},
		{
			name:        "internal gate can be skipped",
			pr:          &fakePR{num: 1004, files: []string{"a.go"}, approvedBy: []string{"alice"}, internal: true},
			conclusions: greenChecks,
			opts:        Options{SkipInternalChecks: true},
			wantRule:    "core",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rule, err := FindMatchingMergeRule(testRules(), tc.pr, tc.conclusions, teams, tc.opts)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if rule.Name != tc.wantRule {
					t.Errorf("got rule %q, want %q", rule.Name, tc.wantRule)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected an error containing %q, got rule %+v", tc.wantErr, rule)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not contain %q", err.Error(), tc.wantErr)
			}
			var pending *MandatoryChecksMissingError
			if got := errors.As(err, &pending); got != tc.wantPending {
				t.Errorf("MandatoryChecksMissingError: got %v, want %v", got, tc.wantPending)
			}
		})
	}
}

func TestFindMatchingMergeRuleReportsClosestRule(t *testing.T) {
	// docs matches two of three files, core matches none of the approvals;
	// the most relevant rejection wins: core got past the file gate.
	rules := []MergeRule{
		{Name: "docs", Patterns: []string{"docs/**"}, ApprovedBy: []string{"dana"}},
		{Name: "core", Patterns: []string{"**"}, ApprovedBy: []string{"alice"}},
	}
	pr := &fakePR{num: 7, files: []string{"docs/a.md", "docs/b.md", "src/c.go"}}
	_, err := FindMatchingMergeRule(rules, pr, nil, fakeTeams{}, Options{})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "has not been reviewed yet (Rule core)") {
		t.Errorf("expected the core rejection to win, got: %v", err)
	}
}

func TestFindMatchingMergeRuleDeterministic(t *testing.T) {
	pr := &fakePR{num: 9, files: []string{"a.go"}, approvedBy: []string{"alice"}}
	conclusions := map[string]*checks.JobCheckState{
		"EasyCLA":           check("EasyCLA", "FAILURE", ""),
		"pull / linux-test": check("pull / linux-test", "FAILURE", ""),
	}
	var msgs []string
	for i := 0; i < 5; i++ {
		_, err := FindMatchingMergeRule(testRules(), pr, conclusions, fakeTeams{"acme/devs": {"bob"}}, Options{})
		if err == nil {
			t.Fatal("expected an error")
		}
		msgs = append(msgs, err.Error())
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i] != msgs[0] {
			t.Fatalf("rejection text is not deterministic:\n%s", strings.Join(msgs, "\n---\n"))
		}
	}
}

func TestFindMatchingMergeRuleNoRules(t *testing.T) {
	pr := &fakePR{num: 1, files: []string{"a.go"}}
	_, err := FindMatchingMergeRule(nil, pr, nil, fakeTeams{}, Options{})
	if err == nil || !strings.Contains(err.Error(), "no rules are defined") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRequiredChecks(t *testing.T) {
	rule := &MergeRule{MandatoryChecksName: []string{"EasyCLA", "linux-test", "win-test"}}
	if got := requiredChecks(rule, false); len(got) != 3 {
		t.Errorf("without skip: got %v", got)
	}
	if got := requiredChecks(rule, true); len(got) != 1 || got[0] != "EasyCLA" {
		t.Errorf("with skip: got %v", got)
	}
}
