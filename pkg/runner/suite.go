package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/apiprobe/apiprobe/pkg/httpclient"
)

// HookFunc runs before or after tests in a suite.
type HookFunc func(ctx context.Context) error

// TestFunc is the body of one test. Assertion failures are recorded on T;
// returning an error fails the test outright.
type TestFunc func(ctx context.Context, t *T) error

// Suite declares a named group of API tests with shared hooks and client
// settings.
type Suite struct {
	Name        string
	Description string

	client *httpclient.Client

	beforeAll  []HookFunc
	afterAll   []HookFunc
	beforeEach []HookFunc
	afterEach  []HookFunc

	tests []*Test
}

// Test declares one test inside a suite. Slug is the durable identity key
// persisted across renames; it must stay stable when Name or Description
// change.
type Test struct {
	Slug        string
	Name        string
	Description string
	FileHint    string
	Endpoint    string
	Method      string

	Timeout time.Duration
	Retries int
	Skip    bool
	Todo    bool

	Run TestFunc
}

// New declares a suite.
func New(name string, opts ...SuiteOption) *Suite {
	s := &Suite{Name: name}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// SuiteOption configures a suite at declaration time.
type SuiteOption func(*Suite)

// WithDescription sets the suite description.
func WithDescription(desc string) SuiteOption {
	return func(s *Suite) { s.Description = desc }
}

// WithClient sets the HTTP client tests receive through T.
func WithClient(c *httpclient.Client) SuiteOption {
	return func(s *Suite) { s.client = c }
}

// BeforeAll registers a hook that runs once before the suite's tests.
func (s *Suite) BeforeAll(fn HookFunc) *Suite {
	s.beforeAll = append(s.beforeAll, fn)

	return s
}

// AfterAll registers a hook that runs once after the suite's tests.
func (s *Suite) AfterAll(fn HookFunc) *Suite {
	s.afterAll = append(s.afterAll, fn)

	return s
}

// BeforeEach registers a hook that runs before every test.
func (s *Suite) BeforeEach(fn HookFunc) *Suite {
	s.beforeEach = append(s.beforeEach, fn)

	return s
}

// AfterEach registers a hook that runs after every test.
func (s *Suite) AfterEach(fn HookFunc) *Suite {
	s.afterEach = append(s.afterEach, fn)

	return s
}

// Add appends a test to the suite.
func (s *Suite) Add(t *Test) *Suite {
	s.tests = append(s.tests, t)

	return s
}

// Tests returns the declared tests in order.
func (s *Suite) Tests() []*Test {
	return s.tests
}

// T carries per-test state: the suite's HTTP client, assertion counters, and
// the captured request/response for reporting.
type T struct {
	client *httpclient.Client

	passed int
	failed int

	failures []string

	requestBody  string
	lastResponse *httpclient.Response
}

// Client returns the suite's HTTP client.
func (t *T) Client() *httpclient.Client {
	return t.client
}

// RecordRequest stores the request body for the persisted result.
func (t *T) RecordRequest(body []byte) {
	t.requestBody = string(body)
}

// RecordResponse stores the response for the persisted result. Tests that
// use Client() directly should call this with the response they received.
func (t *T) RecordResponse(resp *httpclient.Response) {
	t.lastResponse = resp
}

// Expect records an assertion outcome. The test fails when any assertion
// fails, after all assertions have run.
func (t *T) Expect(ok bool, format string, args ...any) bool {
	if ok {
		t.passed++

		return true
	}

	t.failed++
	t.failures = append(t.failures, fmt.Sprintf(format, args...))

	return false
}

// ExpectStatus asserts the response status code.
func (t *T) ExpectStatus(resp *httpclient.Response, want int) bool {
	return t.Expect(resp.StatusCode == want,
		"expected status %d, got %d", want, resp.StatusCode)
}

// failureError combines recorded assertion failures into one error, or nil.
func (t *T) failureError() error {
	if t.failed == 0 {
		return nil
	}

	return fmt.Errorf("%d assertion(s) failed: %v", t.failed, t.failures)
}
