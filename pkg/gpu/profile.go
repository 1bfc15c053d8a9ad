/*
 * Copyright 2023 nebuly.com.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package gpu

import (
	"fmt"
	"math"
)

// FullSliceCount is the number of slices of a GPU instance spanning the whole device.
const FullSliceCount = 7

const mediaEngineSuffix = "+me"

// ProfileName is the display name of a host instance profile, such as "1g.5gb" or "1g.10gb+me".
type ProfileName string

// NewProfileName builds the display name of an instance profile from its slice count and memory size.
// Memory is rounded to the closest GB, using 1000 MB per GB as the vendor tooling does.
func NewProfileName(sliceCount int, memoryMB uint64, mediaEngine bool) ProfileName {
	memoryGB := int(math.Round(float64(memoryMB) / 1000))
	name := fmt.Sprintf("%dg.%dgb", sliceCount, memoryGB)
	if mediaEngine && sliceCount < FullSliceCount {
		name += mediaEngineSuffix
	}
	return ProfileName(name)
}

func (p ProfileName) String() string {
	return string(p)
}
