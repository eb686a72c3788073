package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var (
	// ErrUnknownProject is returned for a [tag] that names no configured project.
	ErrUnknownProject = errors.New("unknown project")
	// ErrProjectPathMissing is returned when a project's directory does not exist.
	ErrProjectPathMissing = errors.New("project path does not exist")
)

var (
	projectTagRe = regexp.MustCompile(`^\[(\w+)\]\s*`)
	// The agent CLI names its per-project directories after the absolute
	// path with every other character replaced by a hyphen.
	claudeDirNameRe = regexp.MustCompile(`[^a-zA-Z0-9-]`)
)

// ProjectContext is what the agent learns about the project a message
// addresses: where to run and the instructions and memory kept there.
type ProjectContext struct {
	Name         string
	Path         string
	Instructions string
	Memory       string
}

// ProjectStatus reports which context files a project has.
type ProjectStatus struct {
	PathExists      bool
	HasInstructions bool
	HasMemory       bool
}

// ParseProjectTag splits a leading "[tag]" off text. ok is false when text
// does not start with one.
func ParseProjectTag(text string) (tag, rest string, ok bool) {
	m := projectTagRe.FindStringSubmatchIndex(text)
	if m == nil {
		return "", text, false
	}
	return text[m[2]:m[3]], text[m[1]:], true
}

// ClaudeDirName converts a filesystem path to the agent CLI's project
// directory name: /Users/me/Git/app becomes -Users-me-Git-app.
func ClaudeDirName(path string) string {
	return claudeDirNameRe.ReplaceAllString(path, "-")
}

// ProjectResolver maps message tags to local projects.
type ProjectResolver struct {
	projects map[string]string
	home     string
}

// NewProjectResolver creates a resolver for name to directory pairs. home is
// the user's home directory, where the agent CLI keeps project memory; empty
// means os.UserHomeDir.
func NewProjectResolver(projects map[string]string, home string) *ProjectResolver {
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	copied := make(map[string]string, len(projects))
	for name, path := range projects {
		copied[name] = path
	}
	return &ProjectResolver{projects: copied, home: home}
}

// Names returns the configured project names, sorted.
func (r *ProjectResolver) Names() []string {
	names := make([]string, 0, len(r.projects))
	for name := range r.projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path returns the directory of a project.
func (r *ProjectResolver) Path(name string) (string, bool) {
	p, ok := r.projects[name]
	return p, ok
}

// Resolve strips a leading project tag from text and loads that project's
// context. Untagged text yields a nil context and text unchanged. The error
// text is meant to be shown to the user.
func (r *ProjectResolver) Resolve(text string) (*ProjectContext, string, error) {
	tag, rest, ok := ParseProjectTag(text)
	if !ok {
		return nil, text, nil
	}

	path, known := r.projects[tag]
	if !known {
		hint := "No projects are configured."
		if names := r.Names(); len(names) > 0 {
			hint = "Configured projects: [" + strings.Join(names, "], [") + "]"
		}
		return nil, rest, fmt.Errorf("%w [%s]. %s", ErrUnknownProject, tag, hint)
	}

	if _, err := os.Stat(path); err != nil {
		return nil, rest, fmt.Errorf("%w for [%s]: %s", ErrProjectPathMissing, tag, path)
	}
	return r.Load(tag, path), rest, nil
}

// Load reads a project's CLAUDE.md and its agent memory. Missing files are
// left empty.
func (r *ProjectResolver) Load(name, path string) *ProjectContext {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	pc := &ProjectContext{Name: name, Path: abs}
	for _, candidate := range instructionPaths(abs) {
		if b, err := os.ReadFile(candidate); err == nil {
			pc.Instructions = string(b)
			break
		}
	}
	if b, err := os.ReadFile(r.memoryPath(abs)); err == nil {
		pc.Memory = string(b)
	}
	return pc
}

// Status reports which context files the project at path has.
func (r *ProjectResolver) Status(path string) ProjectStatus {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if _, err := os.Stat(abs); err != nil {
		return ProjectStatus{}
	}
	st := ProjectStatus{PathExists: true}
	for _, candidate := range instructionPaths(abs) {
		if fileExists(candidate) {
			st.HasInstructions = true
			break
		}
	}
	st.HasMemory = fileExists(r.memoryPath(abs))
	return st
}

func (r *ProjectResolver) memoryPath(abs string) string {
	return filepath.Join(r.home, ".claude", "projects", ClaudeDirName(abs), "memory", "MEMORY.md")
}

func instructionPaths(abs string) []string {
	return []string{
		filepath.Join(abs, "CLAUDE.md"),
		filepath.Join(abs, ".claude", "CLAUDE.md"),
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// ProjectPrompt renders a project context as a preamble for the agent.
func ProjectPrompt(pc *ProjectContext) string {
	if pc == nil {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Project: %s (%s)\n", pc.Name, pc.Path)
	if pc.Instructions != "" {
		sb.WriteString("\nProject instructions (CLAUDE.md):\n")
		sb.WriteString(strings.TrimSpace(pc.Instructions))
		sb.WriteString("\n")
	}
	if pc.Memory != "" {
		sb.WriteString("\nProject memory:\n")
		sb.WriteString(strings.TrimSpace(pc.Memory))
		sb.WriteString("\n")
	}
	return sb.String()
}
