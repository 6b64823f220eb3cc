/*
Copyright 2024 The Liveraid Authors

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

// Package version reports the running binary's version and git revision.
package version

// Version is a string like "0.3.0", set at release time.
var Version string

// GitInfo is either empty or the git hash of the commit this binary was
// built from, set with a linker flag:
//
//	go install --ldflags="-X github.com/ryanniemi/liveraid/internal/version.GitInfo=`git rev-parse --short HEAD`" ./cmd/liveraid-run
var GitInfo string

// Summary returns the version and/or git hash of this binary. If neither
// linker flag was set, it returns "unknown".
func Summary() string {
	switch {
	case Version != "" && GitInfo != "":
		return Version + ", " + GitInfo
	case GitInfo != "":
		return GitInfo
	case Version != "":
		return Version
	default:
		return "unknown"
	}
}
