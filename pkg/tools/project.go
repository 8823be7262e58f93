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
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ProjectRegistry is the in-process project and task tracker agents
// drive through the project_* and task_* tools. State lives for the
// process lifetime; durable tracking belongs to an external system.
type ProjectRegistry struct {
	mu       sync.Mutex
	projects map[string]*Project
}

// Project groups tasks under a name.
type Project struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	Tasks       map[string]*Task `json:"tasks"`
}

// Task is one tracked work item.
type Task struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Done        bool      `json:"done"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// NewProjectRegistry creates an empty registry.
func NewProjectRegistry() *ProjectRegistry {
	return &ProjectRegistry{projects: make(map[string]*Project)}
}

// RegisterProjectTools registers the project_* and task_* tool family.
func RegisterProjectTools(reg *Registry, pr *ProjectRegistry) error {
	specs := []struct {
		name string
		desc string
		fn   func(ctx context.Context, inv Invocation) (string, error)
	}{
		{"project_create", "Create a project: 'name: description'.", pr.projectCreate},
		{"project_update", "Update a project's description: 'name: description'.", pr.projectUpdate},
		{"project_list", "List projects and their task counts.", pr.projectList},
		{"project_delete", "Delete a project and its tasks.", pr.projectDelete},
		{"task_create", "Create a task: 'project/task: description'.", pr.taskCreate},
		{"task_update", "Update a task's description: 'project/task: description'.", pr.taskUpdate},
		{"task_list", "List tasks of a project.", pr.taskList},
		{"task_complete", "Mark a task done: 'project/task'.", pr.taskComplete},
	}
	for _, spec := range specs {
		entry := Entry{
			Tool:        NewFuncTool(spec.name, spec.desc, nil, spec.fn),
			MaxDuration: 5 * time.Second,
		}
		if err := reg.Register(entry); err != nil {
			return fmt.Errorf("failed to register %s: %w", spec.name, err)
		}
	}
	return nil
}

func (r *ProjectRegistry) projectCreate(ctx context.Context, inv Invocation) (string, error) {
	name, desc, _ := splitOnce(inv.Payload, ":")
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("project name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.projects[name]; exists {
		return "", fmt.Errorf("project %s already exists", name)
	}
	r.projects[name] = &Project{
		Name:        name,
		Description: strings.TrimSpace(desc),
		CreatedAt:   time.Now(),
		Tasks:       make(map[string]*Task),
	}
	return fmt.Sprintf("created project %s", name), nil
}

func (r *ProjectRegistry) projectUpdate(ctx context.Context, inv Invocation) (string, error) {
	name, desc, ok := splitOnce(inv.Payload, ":")
	if !ok {
		return "", fmt.Errorf("expected payload of the form 'name: description'")
	}
	name = strings.TrimSpace(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	project, exists := r.projects[name]
	if !exists {
		return "", fmt.Errorf("project %s not found", name)
	}
	project.Description = strings.TrimSpace(desc)
	return fmt.Sprintf("updated project %s", name), nil
}

func (r *ProjectRegistry) projectList(ctx context.Context, inv Invocation) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.projects) == 0 {
		return "no projects", nil
	}
	names := make([]string, 0, len(r.projects))
	for name := range r.projects {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		project := r.projects[name]
		done := 0
		for _, task := range project.Tasks {
			if task.Done {
				done++
			}
		}
		fmt.Fprintf(&b, "%s: %s (%d/%d tasks done)\n",
			name, project.Description, done, len(project.Tasks))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (r *ProjectRegistry) projectDelete(ctx context.Context, inv Invocation) (string, error) {
	name := strings.TrimSpace(inv.Payload)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.projects[name]; !exists {
		return "", fmt.Errorf("project %s not found", name)
	}
	delete(r.projects, name)
	return fmt.Sprintf("deleted project %s", name), nil
}

// resolveTask parses 'project/task' references.
func (r *ProjectRegistry) resolveTask(ref string) (*Project, string, error) {
	project, task, ok := strings.Cut(strings.TrimSpace(ref), "/")
	if !ok || project == "" || task == "" {
		return nil, "", fmt.Errorf("expected a 'project/task' reference")
	}
	p, exists := r.projects[project]
	if !exists {
		return nil, "", fmt.Errorf("project %s not found", project)
	}
	return p, task, nil
}

func (r *ProjectRegistry) taskCreate(ctx context.Context, inv Invocation) (string, error) {
	ref, desc, _ := splitOnce(inv.Payload, ":")

	r.mu.Lock()
	defer r.mu.Unlock()
	project, taskName, err := r.resolveTask(ref)
	if err != nil {
		return "", err
	}
	if _, exists := project.Tasks[taskName]; exists {
		return "", fmt.Errorf("task %s already exists in %s", taskName, project.Name)
	}
	project.Tasks[taskName] = &Task{
		Name:        taskName,
		Description: strings.TrimSpace(desc),
		CreatedAt:   time.Now(),
	}
	return fmt.Sprintf("created task %s/%s", project.Name, taskName), nil
}

func (r *ProjectRegistry) taskUpdate(ctx context.Context, inv Invocation) (string, error) {
	ref, desc, ok := splitOnce(inv.Payload, ":")
	if !ok {
		return "", fmt.Errorf("expected payload of the form 'project/task: description'")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	project, taskName, err := r.resolveTask(ref)
	if err != nil {
		return "", err
	}
	task, exists := project.Tasks[taskName]
	if !exists {
		return "", fmt.Errorf("task %s not found in %s", taskName, project.Name)
	}
	task.Description = strings.TrimSpace(desc)
	return fmt.Sprintf("updated task %s/%s", project.Name, taskName), nil
}

func (r *ProjectRegistry) taskList(ctx context.Context, inv Invocation) (string, error) {
	name := strings.TrimSpace(inv.Payload)

	r.mu.Lock()
	defer r.mu.Unlock()
	project, exists := r.projects[name]
	if !exists {
		return "", fmt.Errorf("project %s not found", name)
	}
	if len(project.Tasks) == 0 {
		return "no tasks", nil
	}

	names := make([]string, 0, len(project.Tasks))
	for taskName := range project.Tasks {
		names = append(names, taskName)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, taskName := range names {
		task := project.Tasks[taskName]
		marker := "[ ]"
		if task.Done {
			marker = "[x]"
		}
		fmt.Fprintf(&b, "%s %s: %s\n", marker, taskName, task.Description)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (r *ProjectRegistry) taskComplete(ctx context.Context, inv Invocation) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	project, taskName, err := r.resolveTask(inv.Payload)
	if err != nil {
		return "", err
	}
	task, exists := project.Tasks[taskName]
	if !exists {
		return "", fmt.Errorf("task %s not found in %s", taskName, project.Name)
	}
	task.Done = true
	task.CompletedAt = time.Now()
	return fmt.Sprintf("completed task %s/%s", project.Name, taskName), nil
}
