package worker

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Canonical TASKS.md section names, in render order.
const (
	SectionActive  = "Active"
	SectionWaiting = "Waiting on User"
	SectionParked  = "Parked"
	SectionDone    = "Done (last 30 days)"
)

var sectionOrder = []string{SectionActive, SectionWaiting, SectionParked, SectionDone}

const tasksHeader = "# Director Task Memory"

// fieldPattern matches a field line: exactly 2-space indent, word key,
// colon, optional value.
var fieldPattern = regexp.MustCompile(`^  (\w[\w_]*):\s?(.*)$`)

var whitespaceRun = regexp.MustCompile(`\s+`)

// sanitizeValue collapses a value to a single line.
func sanitizeValue(value string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(value, " "))
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// Field is one ordered key-value pair of a task entry.
type Field struct {
	Key   string
	Value string
}

// Task is a single task entry with ordered fields.
type Task struct {
	ID     string
	Fields []Field
}

// Get returns the value for key, or empty.
func (t *Task) Get(key string) string {
	for _, f := range t.Fields {
		if f.Key == key {
			return f.Value
		}
	}
	return ""
}

// Set replaces the value for key, appending the field if absent.
func (t *Task) Set(key, value string) {
	for i, f := range t.Fields {
		if f.Key == key {
			t.Fields[i].Value = value
			return
		}
	}
	t.Fields = append(t.Fields, Field{Key: key, Value: value})
}

// TaskFile is the parsed TASKS.md structure: named sections containing
// task entries. Section order is preserved across parse and render.
type TaskFile struct {
	order    []string
	sections map[string][]*Task
}

// NewTaskFile returns an empty file with the canonical sections present.
func NewTaskFile() *TaskFile {
	tf := &TaskFile{sections: make(map[string][]*Task)}
	for _, s := range sectionOrder {
		tf.ensure(s)
	}
	return tf
}

func (tf *TaskFile) ensure(name string) {
	if _, ok := tf.sections[name]; !ok {
		tf.sections[name] = nil
		tf.order = append(tf.order, name)
	}
}

// Section returns the tasks in a section.
func (tf *TaskFile) Section(name string) []*Task {
	return tf.sections[name]
}

func (tf *TaskFile) addFront(section string, task *Task) {
	tf.ensure(section)
	tf.sections[section] = append([]*Task{task}, tf.sections[section]...)
}

func (tf *TaskFile) append(section string, task *Task) {
	tf.ensure(section)
	tf.sections[section] = append(tf.sections[section], task)
}

// FindTask locates a task by id across all sections.
func (tf *TaskFile) FindTask(taskID string) (string, *Task, bool) {
	for _, name := range tf.order {
		for _, task := range tf.sections[name] {
			if task.ID == taskID {
				return name, task, true
			}
		}
	}
	return "", nil, false
}

// RemoveTask removes a task by id from whatever section holds it.
func (tf *TaskFile) RemoveTask(taskID string) *Task {
	for _, name := range tf.order {
		tasks := tf.sections[name]
		for i, task := range tasks {
			if task.ID == taskID {
				tf.sections[name] = append(tasks[:i:i], tasks[i+1:]...)
				return task
			}
		}
	}
	return nil
}

// normalizeSection maps heading variants to canonical names, so "## Done"
// folds into the dated Done section.
func normalizeSection(name string) string {
	if strings.HasPrefix(strings.ToLower(name), "done") {
		return SectionDone
	}
	return name
}

// ParseTasks parses TASKS.md content. Unrecognized lines inside an entry
// are folded into the previous field value, which tolerates multi-line
// values leaked in from hand edits.
func ParseTasks(content string) *TaskFile {
	tf := NewTaskFile()

	var currentSection string
	var currentTask *Task
	var lastKey string

	for _, line := range strings.Split(content, "\n") {
		stripped := strings.TrimSpace(line)

		if strings.HasPrefix(stripped, "# ") && !strings.HasPrefix(stripped, "## ") {
			currentTask = nil
			lastKey = ""
			continue
		}
		if strings.HasPrefix(stripped, "## ") {
			currentSection = normalizeSection(strings.TrimSpace(stripped[3:]))
			tf.ensure(currentSection)
			currentTask = nil
			lastKey = ""
			continue
		}
		if stripped == "" {
			currentTask = nil
			lastKey = ""
			continue
		}
		if currentSection == "" {
			continue
		}

		if strings.HasPrefix(stripped, "- id: ") {
			currentTask = &Task{ID: strings.TrimSpace(stripped[6:])}
			tf.append(currentSection, currentTask)
			lastKey = ""
			continue
		}

		if m := fieldPattern.FindStringSubmatch(line); currentTask != nil && m != nil {
			currentTask.Set(m[1], m[2])
			lastKey = m[1]
			continue
		}

		if currentTask != nil && lastKey != "" {
			currentTask.Set(lastKey, currentTask.Get(lastKey)+" "+stripped)
		}
	}

	return tf
}

// RenderTasks renders a TaskFile back to TASKS.md markdown.
func RenderTasks(tf *TaskFile) string {
	lines := []string{tasksHeader, ""}

	rendered := make(map[string]bool)
	renderSection := func(name string) {
		rendered[name] = true
		tasks := tf.sections[name]
		lines = append(lines, "## "+name)
		if len(tasks) == 0 {
			lines = append(lines, "")
			return
		}
		for _, task := range tasks {
			lines = append(lines, "- id: "+task.ID)
			for _, f := range task.Fields {
				lines = append(lines, fmt.Sprintf("  %s: %s", f.Key, sanitizeValue(f.Value)))
			}
			lines = append(lines, "")
		}
	}

	for _, name := range sectionOrder {
		renderSection(name)
	}
	for _, name := range tf.order {
		if !rendered[name] {
			renderSection(name)
		}
	}

	return strings.Join(lines, "\n") + "\n"
}

// Store provides locked, atomic read/write for a TASKS.md file.
type Store struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewStore creates a Store for the TASKS.md at path.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}
}

// Path returns the file location.
func (s *Store) Path() string { return s.path }

func (s *Store) read() (*TaskFile, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return NewTaskFile(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tasks file: %w", err)
	}
	return ParseTasks(string(data)), nil
}

// write renders and atomically replaces the file: temp file in the same
// directory, then rename.
func (s *Store) write(tf *TaskFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create tasks dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tasks-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp tasks file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.WriteString(RenderTasks(tf)); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write tasks file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close tasks file: %w", err)
	}
	if err := os.Rename(name, s.path); err != nil {
		os.Remove(name)
		return fmt.Errorf("replace tasks file: %w", err)
	}
	return nil
}

// AddActive records a newly dispatched task at the front of Active.
func (s *Store) AddActive(taskID, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tf, err := s.read()
	if err != nil {
		return err
	}
	task := &Task{ID: taskID, Fields: []Field{
		{"description", sanitizeValue(truncateRunes(description, 200))},
		{"started", time.Now().Format("2006-01-02")},
		{"status", "worker dispatched"},
	}}
	tf.addFront(SectionActive, task)
	if err := s.write(tf); err != nil {
		return err
	}
	s.logger.Info("Added task to TASKS.md Active", "task_id", taskID)
	return nil
}

// CompleteTask moves a task from its current section to the front of
// Done, carrying over any artifacts field.
func (s *Store) CompleteTask(taskID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tf, err := s.read()
	if err != nil {
		return err
	}
	old := tf.RemoveTask(taskID)
	done := &Task{ID: taskID, Fields: []Field{
		{"completed", time.Now().Format("2006-01-02")},
		{"summary", sanitizeValue(summary)},
	}}
	if old != nil {
		if artifacts := old.Get("artifacts"); artifacts != "" {
			done.Set("artifacts", artifacts)
		}
	}
	tf.addFront(SectionDone, done)
	if err := s.write(tf); err != nil {
		return err
	}
	s.logger.Info("Moved task to TASKS.md Done", "task_id", taskID)
	return nil
}

// FailTask marks a task's status as failed in place.
func (s *Store) FailTask(taskID, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tf, err := s.read()
	if err != nil {
		return err
	}
	if _, task, ok := tf.FindTask(taskID); ok {
		task.Set("status", "failed -- "+sanitizeValue(truncateRunes(errText, 200)))
	}
	if err := s.write(tf); err != nil {
		return err
	}
	s.logger.Info("Marked task as failed in TASKS.md", "task_id", taskID)
	return nil
}

// ReadAll returns a snapshot of the current file.
func (s *Store) ReadAll() (*TaskFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}
