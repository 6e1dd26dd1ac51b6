// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy implements declarative access control for proxied
// requests: glob path matching, method matching, ordered allow/deny
// rules with optional body predicates and per-rule call limits, and a
// base fallback level.
//
// [Evaluate] is the single decision function. It is deliberately free
// of I/O except for the [CounterStore], which must provide an atomic
// compare-and-increment so a burst of concurrent requests cannot
// exceed a rule's call limit. Evaluation order is fixed: deny rules
// first (first match terminates), then allow rules in order (a rule
// whose body predicate fails is skipped, not a denial), then the
// policy's base level.
//
// Body predicates come in two forms. [BodyExpr] is a small tagged
// expression tree that serializes cleanly across process boundaries.
// A Rule's BodyFunc is an arbitrary Go predicate for single-process
// deployments; it is dropped when the policy is serialized, degrading
// the rule to method+path matching.
package policy
