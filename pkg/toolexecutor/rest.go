package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/xeipuuv/gojsonschema"
)

// RESTToolConfig declares one HTTP endpoint as a callable tool. URL
// may contain {param} placeholders filled from the call arguments;
// the remaining arguments travel as query parameters for GET and
// DELETE, and as the JSON body otherwise.
type RESTToolConfig struct {
	Name        string            `json:"name" mapstructure:"name"`
	Description string            `json:"description" mapstructure:"description"`
	Method      string            `json:"method" mapstructure:"method"`
	URL         string            `json:"url" mapstructure:"url"`
	Headers     map[string]string `json:"headers" mapstructure:"headers"`
	ParamsJSON  string            `json:"params_schema" mapstructure:"params_schema"`
}

type restTool struct {
	config RESTToolConfig
	schema *gojsonschema.Schema
}

// RESTProvider serves declaratively configured HTTP tools.
type RESTProvider struct {
	name   string
	client *resty.Client
	tools  map[string]*restTool
	order  []string
}

// NewRESTProvider validates the tool configs and builds the provider.
func NewRESTProvider(name string, timeout time.Duration, configs []RESTToolConfig) (*RESTProvider, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	p := &RESTProvider{
		name:   name,
		client: resty.New().SetTimeout(timeout),
		tools:  make(map[string]*restTool),
	}

	for _, cfg := range configs {
		if cfg.Name == "" {
			return nil, fmt.Errorf("rest tool missing name")
		}
		if cfg.URL == "" {
			return nil, fmt.Errorf("rest tool %s missing url", cfg.Name)
		}
		method := strings.ToUpper(cfg.Method)
		switch method {
		case "", "GET":
			method = "GET"
		case "POST", "PUT", "PATCH", "DELETE":
		default:
			return nil, fmt.Errorf("rest tool %s has unsupported method %s", cfg.Name, cfg.Method)
		}
		cfg.Method = method

		tool := &restTool{config: cfg}
		if cfg.ParamsJSON != "" {
			schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(cfg.ParamsJSON))
			if err != nil {
				return nil, fmt.Errorf("rest tool %s has invalid params schema: %w", cfg.Name, err)
			}
			tool.schema = schema
		}
		if _, dup := p.tools[cfg.Name]; dup {
			return nil, fmt.Errorf("rest tool %s declared twice", cfg.Name)
		}
		p.tools[cfg.Name] = tool
		p.order = append(p.order, cfg.Name)
	}

	return p, nil
}

// Name implements Provider.
func (p *RESTProvider) Name() string {
	return p.name
}

// ListTools implements Provider.
func (p *RESTProvider) ListTools(_ context.Context) ([]ToolDescriptor, error) {
	descs := make([]ToolDescriptor, 0, len(p.order))
	for _, name := range p.order {
		tool := p.tools[name]
		desc := ToolDescriptor{Name: name, Description: tool.config.Description}
		if tool.config.ParamsJSON != "" {
			desc.InputSchema = json.RawMessage(tool.config.ParamsJSON)
		}
		descs = append(descs, desc)
	}
	return descs, nil
}

// Execute implements Provider.
func (p *RESTProvider) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	tool, ok := p.tools[name]
	if !ok {
		return "", ErrToolNotFound
	}

	if tool.schema != nil {
		result, err := tool.schema.Validate(gojsonschema.NewGoLoader(args))
		if err != nil {
			return "", fmt.Errorf("parameter validation errored: %w", err)
		}
		if !result.Valid() {
			var details []string
			for _, desc := range result.Errors() {
				details = append(details, desc.String())
			}
			return "", fmt.Errorf("parameter validation failed: %s", strings.Join(details, "; "))
		}
	}

	url, remaining := fillPathParams(tool.config.URL, args)

	req := p.client.R().SetContext(ctx)
	for k, v := range tool.config.Headers {
		req.SetHeader(k, v)
	}

	var resp *resty.Response
	var err error
	switch tool.config.Method {
	case "GET", "DELETE":
		for k, v := range remaining {
			req.SetQueryParam(k, fmt.Sprintf("%v", v))
		}
		resp, err = req.Execute(tool.config.Method, url)
	default:
		req.SetHeader("Content-Type", "application/json")
		req.SetBody(remaining)
		resp, err = req.Execute(tool.config.Method, url)
	}
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}

	body := string(resp.Body())
	if resp.IsError() {
		snippet, _ := CapBytes(body, 512)
		return "", fmt.Errorf("endpoint returned %s: %s", resp.Status(), snippet)
	}
	return body, nil
}

// fillPathParams substitutes {param} placeholders and returns the
// arguments that were not consumed by the path.
func fillPathParams(url string, args map[string]any) (string, map[string]any) {
	remaining := make(map[string]any, len(args))
	for k, v := range args {
		placeholder := "{" + k + "}"
		if strings.Contains(url, placeholder) {
			url = strings.ReplaceAll(url, placeholder, fmt.Sprintf("%v", v))
			continue
		}
		remaining[k] = v
	}
	return url, remaining
}
