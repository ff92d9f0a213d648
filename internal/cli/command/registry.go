package command

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Registry returns all CLI commands keyed by name.
func Registry() map[string]Command {
	commands := []Command{
		{
			Name:         "start",
			Usage:        "start <project_id> <language> <entrypoint> [time_limit]",
			Method:       "POST",
			PathTemplate: "/api/v1/projects/:project_id/runs",
			Fields: []Field{
				{Name: "project_id", Aliases: []string{"project"}, Prompt: "project_id", Type: FieldString, Required: true},
				{Name: "language", Aliases: []string{"lang"}, Prompt: "language (python|javascript)", Type: FieldString, Required: true},
				{Name: "entrypoint", Aliases: []string{"entry"}, Prompt: "entrypoint", Type: FieldString, Required: true},
				{Name: "time_limit", Aliases: []string{"timeout"}, Prompt: "time_limit (seconds)", Type: FieldInt},
			},
		},
		{
			Name:         "get",
			Usage:        "get <run_id>",
			Method:       "GET",
			PathTemplate: "/api/v1/runs/:run_id",
			Fields: []Field{
				{Name: "run_id", Aliases: []string{"id"}, Prompt: "run_id", Type: FieldString, Required: true},
			},
		},
		{
			Name:         "watch",
			Usage:        "watch <run_id>",
			Method:       "GET",
			PathTemplate: "/api/v1/runs/:run_id/stream",
			Stream:       true,
			Fields: []Field{
				{Name: "run_id", Aliases: []string{"id"}, Prompt: "run_id", Type: FieldString, Required: true},
			},
		},
		{
			Name:         "kill",
			Usage:        "kill <run_id>",
			Method:       "POST",
			PathTemplate: "/api/v1/runs/:run_id/kill",
			Fields: []Field{
				{Name: "run_id", Aliases: []string{"id"}, Prompt: "run_id", Type: FieldString, Required: true},
			},
		},
	}

	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		result[cmd.Name] = cmd
	}
	return result
}

// Names returns command names in a stable order.
func Names(commands map[string]Command) []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseArgs maps positional args onto cmd's fields in order. Args of the form key=value are
// taken by name.
func ParseArgs(cmd Command, args []string) (Params, error) {
	params := Params{}
	position := 0
	for _, arg := range args {
		if key, value, ok := strings.Cut(arg, "="); ok && key != "" && !strings.Contains(key, "/") {
			params.Set(key, value)
			continue
		}
		if position >= len(cmd.Fields) {
			return nil, fmt.Errorf("too many arguments, usage: %s", cmd.Usage)
		}
		params.Set(cmd.Fields[position].Name, arg)
		position++
	}
	params.Canonicalize(cmd.Fields)
	return params, nil
}

// Missing lists required fields without a value.
func Missing(cmd Command, params Params) []Field {
	var missing []Field
	for _, field := range cmd.Fields {
		if field.Required && strings.TrimSpace(params.Get(field.Name)) == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

// BuildRequest renders cmd with params into an HTTP request.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	params.Canonicalize(cmd.Fields)
	if missing := Missing(cmd, params); len(missing) > 0 {
		return RequestSpec{}, fmt.Errorf("missing %s, usage: %s", missing[0].Name, cmd.Usage)
	}
	path, err := buildPath(cmd.PathTemplate, params)
	if err != nil {
		return RequestSpec{}, err
	}

	var body []byte
	if cmd.Method != "GET" && cmd.Method != "DELETE" {
		payload, err := buildPayload(cmd, params)
		if err != nil {
			return RequestSpec{}, err
		}
		if payload != nil {
			body, err = json.Marshal(payload)
			if err != nil {
				return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
			}
		}
	}

	return RequestSpec{
		Method:  cmd.Method,
		Path:    path,
		Headers: map[string]string{},
		Body:    body,
	}, nil
}

func buildPath(template string, params Params) (string, error) {
	path := template
	for _, key := range []string{"project_id", "run_id"} {
		placeholder := ":" + key
		if strings.Contains(path, placeholder) {
			value := params.Get(key)
			if value == "" {
				return "", fmt.Errorf("missing path parameter: %s", key)
			}
			path = strings.ReplaceAll(path, placeholder, url.PathEscape(value))
		}
	}
	return path, nil
}

func buildPayload(cmd Command, params Params) (interface{}, error) {
	switch cmd.Name {
	case "start":
		payload := map[string]interface{}{
			"language":   params.Get("language"),
			"entrypoint": params.Get("entrypoint"),
		}
		if raw := params.Get("time_limit"); raw != "" {
			limit, err := ParseInt(raw)
			if err != nil || limit <= 0 {
				return nil, fmt.Errorf("invalid time_limit: %q", raw)
			}
			payload["time_limit"] = limit
		}
		return payload, nil
	}
	return nil, nil
}
