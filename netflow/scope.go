/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

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

package netflow

// NetFlow v9 Options Template scope field types (RFC 3954 §6.1).
const (
	v9ScopeSystem    uint16 = 1
	v9ScopeInterface uint16 = 2
	v9ScopeLineCard  uint16 = 3
	v9ScopeCache     uint16 = 4
	v9ScopeTemplate  uint16 = 5
)

// v9ScopeMapping is one entry of the fixed NetFlow v9 Scope Field ->
// IPFIX Information Element table (§4.6).
type v9ScopeMapping struct {
	ipfixID uint16
	maxSize uint16
}

// v9ScopeTable is the fixed conversion table from original_source's
// nf2ipx_opts_table (netflow9.c): System -> exportingProcessId (144),
// Interface -> ingressInterface (10), Line Card -> lineCardId (141),
// Template -> templateId (145). Cache has no IPFIX equivalent and is
// deliberately absent, matching the original's commented-out entry.
var v9ScopeTable = map[uint16]v9ScopeMapping{
	v9ScopeSystem:    {ipfixID: 144, maxSize: 4},
	v9ScopeInterface: {ipfixID: 10, maxSize: 4},
	v9ScopeLineCard:  {ipfixID: 141, maxSize: 4},
	v9ScopeTemplate:  {ipfixID: 145, maxSize: 2},
}

// remapV9ScopeField looks up v9ID in the fixed scope table. ok is false for
// an unsupported scope field (the "Cache" scope, any reserved value, or a
// declared length exceeding the target IE's size) — the caller must mark
// the whole (Options) Template "drop" per §4.6.
func remapV9ScopeField(v9ID uint16, length uint16) (instr v9FieldInstr, ok bool) {
	m, found := v9ScopeTable[v9ID]
	if !found || length > m.maxSize {
		return v9FieldInstr{}, false
	}
	return v9FieldInstr{srcLength: length, ipfixID: m.ipfixID, isScope: true}, true
}
