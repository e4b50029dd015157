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

// Package labels defines the label names the bot reads and writes.
package labels

import "regexp"

const Merged = "merged"
const Reverted = "reverted"
const LandFailed = "land-failed"
const CiSev = "ci: sev"
const CiModule = "module: ci"

var ciflowRE = regexp.MustCompile(`^ciflow/.+`)
var ciflowTrunkRE = regexp.MustCompile(`^ciflow/trunk`)

// HasCiflowLabel reports whether any label requests CI flows explicitly.
func HasCiflowLabel(labels []string) bool {
	return hasMatch(labels, ciflowRE)
}

// HasCiflowTrunkLabel reports whether trunk CI has been requested on the PR.
func HasCiflowTrunkLabel(labels []string) bool {
	return hasMatch(labels, ciflowTrunkRE)
}

func hasMatch(labels []string, re *regexp.Regexp) bool {
	for _, l := range labels {
		if re.MatchString(l) {
			return true
		}
	}
	return false
}
