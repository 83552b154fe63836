// Package harness runs scenario files: tool calls against a seeded SQLite
// database under one policy, each with an expected outcome.
//
// # Scenario Format
//
//	name: acme_orders
//	description: "Agents see only their tenant's live orders"
//	fixture: shop
//	principal: { tenant_id: acme, user_id: u1, roles: [agent] }
//	policy:
//	  profile: internal
//	  models:
//	    Order:
//	      row: { tenant_field: tenant_id, soft_delete_field: deleted_at }
//	      fields: { ssn: { action: deny } }
//	flow:
//	  - call: query
//	    args: { model: Order, select: [id] }
//	    expect:
//	      row_count: 4
//	  - call: get
//	    args: { model: Order, id: 5 }
//	    expect:
//	      data: { found: false }
//	assertions:
//	  - type: audit_count
//	    count: 2
//
// Writes that need approval come back as WRITE_APPROVAL_REQUIRED. A later
// step "approve: N" or "reject: N" decides the request raised by flow step
// N, after which repeating the call executes it or reports the rejection.
//
// # Assertion Types
//
//   - trace_contains: a call to a tool with matching args (subset) was made
//   - trace_order: tools were first called in the given order
//   - trace_count: a tool was called exactly N times
//   - audit_count: N audit records were written, optionally for one tool
//   - final_state: a table row, read directly, has the expected values
//
// # Deterministic Testing
//
// Every run uses a fresh database, a manual clock starting at
// testutil.Epoch that advances one second per step, and request ids
// req-1, req-2 and so on. Golden snapshots (RunWithGolden) therefore stay
// stable across runs.
package harness
