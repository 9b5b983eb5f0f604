// Package cxdb describes the control plane's audit-event schema for an
// external CXDB-style event store. The core never persists anything
// itself; a sink process pulls this bundle to register the typed turns it
// should accept, then receives golden-run reports and lifecycle events.
package cxdb

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

type RegistryBundle struct {
	RegistryVersion int            `json:"registry_version"`
	BundleID        string         `json:"bundle_id"`
	Types           map[string]any `json:"types"`
	Enums           map[string]any `json:"enums,omitempty"`
}

// PlaneRegistryBundle returns the registry bundle implementing the typed
// turns the control plane emits per idle-to-dispatch round.
func PlaneRegistryBundle() (bundleID string, bundle RegistryBundle, sha256hex string, err error) {
	bundle = RegistryBundle{
		RegistryVersion: 1,
		BundleID:        "",
		Types: map[string]any{
			"com.kilroy.plane.TickRecorded": typeDef(map[string]any{
				"1": fieldSemantic("timestamp_ms", "u64", "unix_ms"),
				"2": field("decision", "string"),
				"3": field("task_id", "string", opt()),
				"4": field("leaf_name", "string", opt()),
				"5": field("failure_code", "string", opt()),
				"6": field("loop_breaker_evaluated", "bool"),
				"7": field("loop_breaker_tripped", "bool", opt()),
			}),
			"com.kilroy.plane.TaskCreated": typeDef(map[string]any{
				"1": field("task_id", "string"),
				"2": fieldSemantic("timestamp_ms", "u64", "unix_ms"),
				"3": field("task_type", "string", opt()),
				"4": field("title", "string", opt()),
				"5": field("priority", "u32", opt()),
			}),
			"com.kilroy.plane.TaskBlocked": typeDef(map[string]any{
				"1": field("task_id", "string"),
				"2": fieldSemantic("timestamp_ms", "u64", "unix_ms"),
				"3": field("blocked_reason", "string"),
				"4": field("original_reason", "string", opt()),
				"5": fieldSemantic("next_eligible_at_ms", "u64", "unix_ms", opt()),
			}),
			"com.kilroy.plane.TaskFailed": typeDef(map[string]any{
				"1": field("task_id", "string"),
				"2": fieldSemantic("timestamp_ms", "u64", "unix_ms"),
				"3": field("failure_reason", "string"),
			}),
			"com.kilroy.plane.TaskCompleted": typeDef(map[string]any{
				"1": field("task_id", "string"),
				"2": fieldSemantic("timestamp_ms", "u64", "unix_ms"),
				"3": field("steps_total", "u32", opt()),
			}),
			"com.kilroy.plane.StepDispatched": typeDef(map[string]any{
				"1": field("task_id", "string"),
				"2": field("leaf_name", "string"),
				"3": fieldSemantic("timestamp_ms", "u64", "unix_ms"),
				"4": field("args_json", "string", opt()),
				"5": field("success", "bool"),
				"6": field("failure_code", "string", opt()),
			}),
			"com.kilroy.plane.OptionRegistered": typeDef(map[string]any{
				"1": field("option_id", "string"),
				"2": field("tree_hash", "string"),
				"3": field("author", "string", opt()),
				"4": fieldSemantic("timestamp_ms", "u64", "unix_ms"),
			}),
			"com.kilroy.plane.OptionPromoted": typeDef(map[string]any{
				"1": field("option_id", "string"),
				"2": fieldSemantic("timestamp_ms", "u64", "unix_ms"),
				"3": field("total_runs", "u32"),
				"4": field("success_rate_pct", "u32", opt()),
			}),
			"com.kilroy.plane.OptionRetired": typeDef(map[string]any{
				"1": field("option_id", "string"),
				"2": fieldSemantic("timestamp_ms", "u64", "unix_ms"),
				"3": field("reason", "string", opt()),
			}),
			"com.kilroy.plane.ProposalRequested": typeDef(map[string]any{
				"1": field("task_id", "string"),
				"2": fieldSemantic("timestamp_ms", "u64", "unix_ms"),
				"3": fieldArray("recent_failure_codes", "string", opt()),
			}),
			"com.kilroy.plane.GoldenRunBlob": typeDef(map[string]any{
				"1": field("bytes", "bytes"),
			}),
			"com.kilroy.plane.GoldenRunArtifact": typeDef(map[string]any{
				"1": fieldSemantic("timestamp_ms", "u64", "unix_ms"),
				"2": field("content_hash", "string"),
				"3": field("bytes_len", "u64", opt()),
				"4": field("decision", "string", opt()),
			}),
		},
		Enums: map[string]any{},
	}

	raw, err := json.Marshal(bundle)
	if err != nil {
		return "", RegistryBundle{}, "", err
	}
	sum := sha256.Sum256(raw)
	sha256hex = hex.EncodeToString(sum[:])
	bundleID = fmt.Sprintf("kilroy-plane-v1#%s", sha256hex[:12])
	bundle.BundleID = bundleID
	return bundleID, bundle, sha256hex, nil
}

func typeDef(fields map[string]any) map[string]any {
	return map[string]any{
		"versions": map[string]any{
			"1": map[string]any{
				"fields": fields,
			},
		},
	}
}

func field(name, typ string, opts ...map[string]any) map[string]any {
	out := map[string]any{"name": name, "type": typ}
	for _, o := range opts {
		for k, v := range o {
			out[k] = v
		}
	}
	return out
}

func fieldSemantic(name, typ, semantic string, opts ...map[string]any) map[string]any {
	out := field(name, typ, opts...)
	out["semantic"] = semantic
	return out
}

func fieldArray(name, itemsType string, opts ...map[string]any) map[string]any {
	out := map[string]any{
		"name":  name,
		"type":  "array",
		"items": itemsType,
	}
	for _, o := range opts {
		for k, v := range o {
			out[k] = v
		}
	}
	return out
}

func opt() map[string]any { return map[string]any{"optional": true} }
