package orchestrator

import "encoding/json"

// ExtractTodos pulls a plan payload out of todo tool arguments. Providers
// disagree on the wire shape: some send a native array, others a
// JSON-encoded string. Both are accepted; anything unparseable yields nil.
func ExtractTodos(args map[string]any) []TodoItem {
	raw, ok := args["todos"]
	if !ok {
		return nil
	}

	switch v := raw.(type) {
	case string:
		var items []TodoItem
		if err := json.Unmarshal([]byte(v), &items); err != nil {
			return nil
		}
		return items
	case []any:
		return todosFromSlice(v)
	default:
		return nil
	}
}

// ExtractTodosFromResult pulls the plan out of a todo tool result, which
// a list action returns as JSON: either a bare array or {"todos": [...]}.
func ExtractTodosFromResult(result string) []TodoItem {
	var items []TodoItem
	if err := json.Unmarshal([]byte(result), &items); err == nil {
		return items
	}

	var wrapped struct {
		Todos []TodoItem `json:"todos"`
	}
	if err := json.Unmarshal([]byte(result), &wrapped); err == nil {
		return wrapped.Todos
	}
	return nil
}

func todosFromSlice(raw []any) []TodoItem {
	items := make([]TodoItem, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		item := TodoItem{}
		if s, ok := m["content"].(string); ok {
			item.Content = s
		}
		if s, ok := m["activeForm"].(string); ok {
			item.ActiveForm = s
		}
		if s, ok := m["status"].(string); ok {
			item.Status = s
		}
		if item.Content == "" && item.ActiveForm == "" {
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil
	}
	return items
}

// ExtractAgent pulls a delegation target out of tool arguments.
func ExtractAgent(args map[string]any) string {
	for _, key := range []string{"agent", "agent_name", "subagent_type"} {
		if s, ok := args[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
