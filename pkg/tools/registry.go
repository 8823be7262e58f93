// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tools

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/kadirpekel/penguin/pkg/registry"
)

// ErrRegistryLocked is returned by Register after the registry froze.
var ErrRegistryLocked = fmt.Errorf("tool registry is locked: registration is only allowed during startup")

// RegistryError wraps a registry failure with component context.
type RegistryError struct {
	Action  string
	Message string
	Err     error
}

func (e *RegistryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[ToolRegistry:%s] %s: %v", e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[ToolRegistry:%s] %s", e.Action, e.Message)
}

func (e *RegistryError) Unwrap() error { return e.Err }

// Registry holds the named tools. Registration is open during startup;
// the first dispatch freezes the registry and all later writes fail
// with ErrRegistryLocked. Reads after the freeze are effectively
// lock-free on the read path of the underlying RWMutex.
type Registry struct {
	base   *registry.BaseRegistry[Entry]
	frozen atomic.Bool
}

// NewRegistry creates an open registry.
func NewRegistry() *Registry {
	return &Registry{base: registry.NewBaseRegistry[Entry]()}
}

// Register adds or overwrites a tool. Overwrite is allowed only while
// the registry is open.
func (r *Registry) Register(entry Entry) error {
	if r.frozen.Load() {
		return ErrRegistryLocked
	}
	if entry.Tool == nil {
		return &RegistryError{Action: "Register", Message: "tool cannot be nil"}
	}
	name := entry.Name()
	if name == "" {
		return &RegistryError{Action: "Register", Message: "tool name cannot be empty"}
	}
	if entry.MaxDuration <= 0 {
		entry.MaxDuration = 60 * time.Second
	}
	return r.base.Replace(name, entry)
}

// Get returns the tool entry registered under name.
func (r *Registry) Get(name string) (Entry, bool) {
	return r.base.Get(name)
}

// List returns the tools visible to scope, sorted by name.
func (r *Registry) List(scope string) []ToolInfo {
	var infos []ToolInfo
	for _, entry := range r.base.List() {
		if entry.InScope(scope) {
			infos = append(infos, entry.Tool.GetInfo())
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	return r.base.Count()
}

// Freeze locks the registry. Idempotent; called by the dispatcher on
// first dispatch.
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

// Frozen reports whether the registry is locked.
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}
