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

package labels

import "testing"

func TestCiflowLabels(t *testing.T) {
	if HasCiflowLabel([]string{"merged", "triaged"}) {
		t.Error("unexpected ciflow match")
	}
	if !HasCiflowLabel([]string{"ciflow/periodic"}) {
		t.Error("expected ciflow match")
	}
	if HasCiflowLabel([]string{"ciflow/"}) {
		t.Error("bare prefix must not match")
	}
	if HasCiflowTrunkLabel([]string{"ciflow/periodic"}) {
		t.Error("periodic is not trunk")
	}
	if !HasCiflowTrunkLabel([]string{"ciflow/trunk"}) {
		t.Error("expected trunk match")
	}
}
