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
	"os"
	"strings"
	"testing"
)

func TestGenCommitMessage(t *testing.T) {
	pr := greenPR(1001)
	got, err := GenCommitMessage(pr, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "Title (#1001)\n\nBody\nPull Request resolved: https://github.com/acme/proj/pull/1001\nApproved by: https://github.com/alice\n"
	if got != want {
		t.Errorf("got  %q\nwant %q", got, want)
	}
}

func TestGenCommitMessageStripsCcLines(t *testing.T) {
	pr := greenPR(1001)
	pr.body = "Some description\ncc @alice @bob\nMore text\ncc: @carol\n"
	got, err := GenCommitMessage(pr, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(got, "cc") {
		t.Errorf("cc lines must be stripped:\n%s", got)
	}
	if !strings.Contains(got, "Some description\nMore text\n") {
		t.Errorf("surrounding text must survive:\n%s", got)
	}
}

func TestGenCommitMessageStripsGhstackBlock(t *testing.T) {
	pr := greenPR(1001)
	pr.body = "Intro\n\nStack from ghstack:\n* #1001\n* #1000\n\nOutro"
	plain, err := GenCommitMessage(pr, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(plain, "Stack from ghstack") {
		t.Errorf("non-stacked merges keep the block:\n%s", plain)
	}
	stacked, err := GenCommitMessage(pr, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(stacked, "Stack from ghstack") || strings.Contains(stacked, "* #1000") {
		t.Errorf("stacked merges strip the block:\n%s", stacked)
	}
	if !strings.Contains(stacked, "Intro") || !strings.Contains(stacked, "Outro") {
		t.Errorf("text around the block must survive:\n%s", stacked)
	}
}

// Stripping is idempotent: applying the filters to an already filtered body
// changes nothing.
func TestBodyFiltersIdempotent(t *testing.T) {
	bodies := []string{
		"Plain body",
		"Some description\ncc @alice\nMore",
		"Intro\n\nStack from ghstack:\n* #12\n* #11\n\nOutro",
		"cc: @a\nStack:\n* one\n* two\n",
	}
	for _, body := range bodies {
		once := ghstackDescRE.ReplaceAllString(ccLineRE.ReplaceAllString(body, ""), "")
		twice := ghstackDescRE.ReplaceAllString(ccLineRE.ReplaceAllString(once, ""), "")
		if once != twice {
			t.Errorf("filters are not idempotent for %q:\nonce  %q\ntwice %q", body, once, twice)
		}
	}
}

func TestFailureMessage(t *testing.T) {
	os.Unsetenv("GH_RUN_URL")
	msg := FailureMessage("Merge failed", errors.New("3 jobs have failed"))
	if !strings.Contains(msg, "## Merge failed") || !strings.Contains(msg, "**Reason**: 3 jobs have failed") {
		t.Errorf("unexpected message:\n%s", msg)
	}
	if strings.Contains(msg, "<details>") {
		t.Errorf("no details block without GH_RUN_URL:\n%s", msg)
	}

	os.Setenv("GH_RUN_URL", "https://github.com/acme/proj/actions/runs/1")
	defer os.Unsetenv("GH_RUN_URL")
	msg = FailureMessage("Merge failed", errors.New("boom"))
	if !strings.Contains(msg, "<details>") || !strings.Contains(msg, "actions/runs/1") {
		t.Errorf("expected a details block pointing at the run:\n%s", msg)
	}
}
