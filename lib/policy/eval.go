// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"fmt"
	"net/http"
)

// Verdict is the outcome of a policy evaluation.
type Verdict struct {
	// Allowed is true when the request may be forwarded upstream.
	Allowed bool

	// Reason explains the decision. For denials it is returned to
	// the caller and logged; it never contains secret material.
	Reason string
}

// Scope identifies whose counters an evaluation charges against.
type Scope struct {
	SessionID string
	Upstream  string
}

// Evaluate decides whether a request is permitted by a policy.
//
// The order is fixed and load-bearing:
//
//  1. A nil policy falls back to allow-read: GET, HEAD, and OPTIONS
//     pass, everything else is denied.
//  2. Deny rules, in list order. The first rule whose method, path,
//     and body predicate (if any) all match terminates evaluation as
//     a deny. A deny rule whose body predicate fails does not match.
//  3. Allow rules, in list order. A rule whose body predicate fails
//     is skipped — scanning continues, it is not a denial. A matching
//     rule with a limit charges its counter atomically: if the limit
//     is already spent the request is denied, otherwise the counter
//     is incremented and the request allowed. Counters only ever
//     move on this approved branch.
//  4. The base level decides anything left.
//
// The returned error is non-nil only when the counter store fails;
// the verdict is a deny in that case (fail closed).
func Evaluate(ctx context.Context, method, path string, body any, p *AccessPolicy, counters CounterStore, scope Scope) (Verdict, error) {
	if p == nil {
		if isReadMethod(method) {
			return Verdict{Allowed: true, Reason: "default allow-read policy"}, nil
		}
		return Verdict{Reason: "not allowed by default allow-read policy"}, nil
	}

	for i := range p.Deny {
		rule := &p.Deny[i]
		if !MatchMethod(rule.Methods, method) || !MatchPath(rule.Path, path) {
			continue
		}
		if !rule.bodyMatches(body) {
			continue
		}
		return Verdict{Reason: "matched deny rule"}, nil
	}

	for i := range p.Allow {
		rule := &p.Allow[i]
		if !MatchMethod(rule.Methods, method) || !MatchPath(rule.Path, path) {
			continue
		}
		if rule.hasBodyPredicate() && !rule.bodyMatches(body) {
			// Keep scanning: a later rule may still allow this
			// request.
			continue
		}
		if rule.Limit > 0 {
			key := CounterKey{SessionID: scope.SessionID, Upstream: scope.Upstream, RuleIndex: i}
			count, ok, err := counters.Approve(ctx, key, rule.Limit)
			if err != nil {
				return Verdict{Reason: "rule counter unavailable"}, fmt.Errorf("policy: counter for rule %d: %w", i, err)
			}
			if !ok {
				return Verdict{Reason: fmt.Sprintf("rule call limit reached (%d/%d)", count, rule.Limit)}, nil
			}
			return Verdict{Allowed: true, Reason: fmt.Sprintf("matched allow rule (%d/%d)", count, rule.Limit)}, nil
		}
		return Verdict{Allowed: true, Reason: "matched allow rule"}, nil
	}

	switch p.Base {
	case BaseAllowAll:
		return Verdict{Allowed: true, Reason: "base policy: allow-all"}, nil
	case BaseDenyAll:
		return Verdict{Reason: "base policy: deny-all"}, nil
	default:
		if isReadMethod(method) {
			return Verdict{Allowed: true, Reason: "allow-read policy"}, nil
		}
		return Verdict{Reason: "not allowed by allow-read policy"}, nil
	}
}

func isReadMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
