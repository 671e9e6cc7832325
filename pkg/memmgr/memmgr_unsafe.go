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

//go:build linux

package memmgr

import (
	"unsafe"

	"github.com/strata-emu/strata/pkg/hostarch"
)

// GuestSlice returns the bytes of the guest range ar through the base
// mapping itself, without copying. The returned slice is subject to
// whatever page protection is currently applied to ar; accesses to trapped
// pages must go through the guard package.
func (m *Manager) GuestSlice(ar hostarch.AddrRange) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, err := m.checkMirrorRange(ar); err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ar.Start))), int(ar.Length())), nil
}
