/*
   Copyright @ 2021 bocloud <fushaosong@beyondcent.com>.

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

package devicemanager

import (
	"strings"

	"github.com/deniswernert/go-fstab"

	"github.com/carina-io/localpv-agent/pkg/devicemanager/types"
)

// AppendRecord returns the mount table content with rec added as the last
// line. Existing content is kept byte for byte apart from a missing final
// newline.
func AppendRecord(content string, rec types.MountRecord) string {
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + rec.String() + "\n"
}

// ReferencesDevice is the registration gate: any occurrence of the device
// path in the mount table counts, including inside a longer path.
func ReferencesDevice(content, devicePath string) bool {
	return strings.Contains(content, devicePath)
}

// Conflicts lists the mount table lines whose device or mount point is
// exactly the given path. It only feeds log messages; lines that do not
// parse are ignored.
func Conflicts(content, path string) []string {
	var conflicts []string
	for _, line := range strings.Split(content, "\n") {
		m, err := fstab.ParseLine(line)
		if err != nil || m == nil {
			continue
		}
		if m.Spec == path || m.File == path {
			conflicts = append(conflicts, strings.TrimSpace(line))
		}
	}
	return conflicts
}
