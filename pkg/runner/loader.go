package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/apiprobe/apiprobe/pkg/httpclient"
)

// SuiteFile is the YAML shape of a declarative suite definition.
type SuiteFile struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	BaseURL     string            `yaml:"base_url"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	RateLimit   float64           `yaml:"rate_limit,omitempty"`

	Tests []TestSpec `yaml:"tests"`
}

// TestSpec declares one request/expectation pair.
type TestSpec struct {
	Slug        string            `yaml:"slug"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Endpoint    string            `yaml:"endpoint"`
	Method      string            `yaml:"method,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	Body        string            `yaml:"body,omitempty"`

	Timeout string `yaml:"timeout,omitempty"`
	Retries int    `yaml:"retries,omitempty"`
	Skip    bool   `yaml:"skip,omitempty"`
	Todo    bool   `yaml:"todo,omitempty"`

	Expect Expectations `yaml:"expect,omitempty"`
}

// Expectations declares what a response must satisfy.
type Expectations struct {
	Status          int               `yaml:"status,omitempty"`
	BodyContains    []string          `yaml:"body_contains,omitempty"`
	Headers         map[string]string `yaml:"headers,omitempty"`
	MaxResponseTime string            `yaml:"max_response_time,omitempty"`
}

// LoadSuites reads every *.yaml/*.yml suite definition under dir and builds
// executable suites from them.
func LoadSuites(log logrus.FieldLogger, dir string) ([]*Suite, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading suites directory: %w", err)
	}

	suites := make([]*Suite, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())

		suite, err := LoadSuiteFile(log, path)
		if err != nil {
			return nil, fmt.Errorf("loading suite %s: %w", entry.Name(), err)
		}

		suites = append(suites, suite)
	}

	if len(suites) == 0 {
		return nil, fmt.Errorf("no suite definitions found in %s", dir)
	}

	return suites, nil
}

// LoadSuiteFile parses one suite definition file.
func LoadSuiteFile(log logrus.FieldLogger, path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}

	var sf SuiteFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}

	return BuildSuite(log, &sf, filepath.Base(path))
}

// BuildSuite converts a parsed definition into an executable suite.
func BuildSuite(log logrus.FieldLogger, sf *SuiteFile, fileHint string) (*Suite, error) {
	if sf.Name == "" {
		return nil, fmt.Errorf("suite name is required")
	}

	client := httpclient.New(log, httpclient.Config{
		BaseURL:           sf.BaseURL,
		Headers:           sf.Headers,
		RequestsPerSecond: sf.RateLimit,
	})

	suite := New(sf.Name,
		WithDescription(sf.Description),
		WithClient(client),
	)

	seen := make(map[string]struct{}, len(sf.Tests))

	for i := range sf.Tests {
		spec := sf.Tests[i]

		if spec.Slug == "" {
			return nil, fmt.Errorf("test %d: slug is required", i)
		}

		if _, dup := seen[spec.Slug]; dup {
			return nil, fmt.Errorf("duplicate test slug %q", spec.Slug)
		}

		seen[spec.Slug] = struct{}{}

		test, err := buildTest(&spec, fileHint)
		if err != nil {
			return nil, fmt.Errorf("test %q: %w", spec.Slug, err)
		}

		suite.Add(test)
	}

	return suite, nil
}

// buildTest converts one spec into a Test whose body performs the request
// and checks the declared expectations.
func buildTest(spec *TestSpec, fileHint string) (*Test, error) {
	method := strings.ToUpper(spec.Method)
	if method == "" {
		method = "GET"
	}

	var timeout time.Duration

	if spec.Timeout != "" {
		d, err := time.ParseDuration(spec.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}

		timeout = d
	}

	var maxResponseTime time.Duration

	if spec.Expect.MaxResponseTime != "" {
		d, err := time.ParseDuration(spec.Expect.MaxResponseTime)
		if err != nil {
			return nil, fmt.Errorf("invalid max_response_time: %w", err)
		}

		maxResponseTime = d
	}

	expect := spec.Expect
	body := []byte(spec.Body)
	headers := spec.Headers
	endpoint := spec.Endpoint

	run := func(ctx context.Context, t *T) error {
		if len(body) > 0 {
			t.RecordRequest(body)
		}

		resp, err := t.Client().Do(ctx, method, endpoint, body, headers)
		if err != nil {
			return err
		}

		t.RecordResponse(resp)

		if expect.Status != 0 {
			t.ExpectStatus(resp, expect.Status)
		}

		for _, needle := range expect.BodyContains {
			t.Expect(strings.Contains(string(resp.Body), needle),
				"response body does not contain %q", needle)
		}

		for name, want := range expect.Headers {
			got := resp.Headers.Get(name)
			t.Expect(got == want,
				"expected header %s=%q, got %q", name, want, got)
		}

		if maxResponseTime > 0 {
			t.Expect(resp.Duration <= maxResponseTime,
				"response took %s, limit is %s", resp.Duration, maxResponseTime)
		}

		return nil
	}

	return &Test{
		Slug:        spec.Slug,
		Name:        spec.Name,
		Description: spec.Description,
		FileHint:    fileHint,
		Endpoint:    spec.Endpoint,
		Method:      method,
		Timeout:     timeout,
		Retries:     spec.Retries,
		Skip:        spec.Skip,
		Todo:        spec.Todo,
		Run:         run,
	}, nil
}
