package yamlfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/toolgate-io/toolgate/internal/domain/access"
	"github.com/toolgate-io/toolgate/internal/domain/catalog"
)

const sampleSnapshot = `
policies:
  - id: p1
    name: staff access
    priority: 10
    active: true
    claim_matchers:
      - json_path: roles
        operator: CONTAINS
        value: staff
    allowed_group_ids: [g1]
groups:
  - id: g1
    name: order tools
    active: true
    selectors:
      - required_tags: [orders]
tools:
  - id: t1
    source_id: orders-api
    name: submit_order
    description: Submit a new order
    path: /v2/orders
    tags: [orders]
    enabled: true
    input_schema:
      type: object
      required: [order_id]
    profile:
      mode: ASYNC_POLL
      method: POST
      url_template: https://orders.internal/v2/orders
      headers_template:
        Authorization: "Bearer {{.token}}"
      body_template: '{{tojson .args}}'
      required_audience: orders-api
      required_scopes: [orders:write]
      poll:
        status_url_template: https://orders.internal/v2/orders/{{.job.id}}/status
        status_field_path: status
        completed_values: [done]
        failed_values: [error]
        result_field_path: result
        poll_interval_seconds: 1
        max_interval_seconds: 30
        backoff_multiplier: 2
        max_poll_attempts: 10
`

func writeSnapshot(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshot.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConvertsRecords(t *testing.T) {
	t.Parallel()

	src := NewSource(writeSnapshot(t, sampleSnapshot))
	snap, err := src.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if len(snap.Policies) != 1 || len(snap.Groups) != 1 || len(snap.Tools) != 1 {
		t.Fatalf("got %d policies, %d groups, %d tools", len(snap.Policies), len(snap.Groups), len(snap.Tools))
	}

	p := snap.Policies[0]
	if p.ClaimMatchers[0].Operator != access.OperatorContains {
		t.Errorf("operator = %q", p.ClaimMatchers[0].Operator)
	}

	tool := snap.Tools[0]
	if tool.Profile.Mode != catalog.ModeAsyncPoll {
		t.Errorf("mode = %q", tool.Profile.Mode)
	}
	if tool.Profile.Poll.PollInterval != time.Second {
		t.Errorf("poll interval = %v", tool.Profile.Poll.PollInterval)
	}
	if tool.Profile.Poll.MaxInterval != 30*time.Second {
		t.Errorf("max interval = %v", tool.Profile.Poll.MaxInterval)
	}
	if string(tool.InputSchema) == "" {
		t.Fatal("input schema must be converted to JSON")
	}
	if tool.InputSchema[0] != '{' {
		t.Errorf("input schema = %s", tool.InputSchema)
	}
}

func TestLoadRejectsUnknownOperator(t *testing.T) {
	t.Parallel()

	src := NewSource(writeSnapshot(t, `
policies:
  - id: p1
    active: true
    claim_matchers:
      - json_path: roles
        operator: LIKE
        value: staff
`))
	if _, err := src.Load(context.Background()); err == nil {
		t.Error("unknown operator must fail the load")
	}
}

func TestLoadRejectsAsyncPollWithoutPollConfig(t *testing.T) {
	t.Parallel()

	src := NewSource(writeSnapshot(t, `
tools:
  - id: t1
    source_id: s
    name: n
    enabled: true
    profile:
      mode: ASYNC_POLL
      method: POST
      url_template: https://x.internal
`))
	if _, err := src.Load(context.Background()); err == nil {
		t.Error("ASYNC_POLL without poll config must fail the load")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	src := NewSource(filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := src.Load(context.Background()); err == nil {
		t.Error("missing file must fail the load")
	}
}
