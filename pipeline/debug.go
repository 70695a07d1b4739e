/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"k8s.io/klog/v2"
)

// logTensorDict dumps a store's contents at verbosity 3, sorted by name. The
// formatting cost is only paid when the level is enabled.
func logTensorDict(what string, store Store) {
	if !klog.V(3).Enabled() {
		return
	}
	names := make([]string, 0, len(store))
	for name := range store {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, name := range names {
		_, _ = fmt.Fprintf(&sb, "\n\t%s: %s", name, store[name])
	}
	klog.Infof("pipeline: %s:%s", what, sb.String())
}
