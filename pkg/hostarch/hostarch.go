// Copyright 2023 The Strata Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package hostarch contains host arithmetic shared by the guest address
// space and trap subsystems: addresses, address ranges, page and region
// alignment, and access types.
package hostarch

const (
	// PageShift is the binary log of the host page size.
	PageShift = 12

	// PageSize is the host page size.
	PageSize = 1 << PageShift

	// RegionShift is the binary log of the guest region alignment.
	RegionShift = 21

	// RegionAlignment is the minimum alignment of a guest memory region
	// (2 MiB).
	RegionAlignment = 1 << RegionShift
)
