// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway implements the policy-gated credential proxy.
//
// The gateway sits between sandboxed agent processes and the external
// APIs they need (an LLM API, a source-control API, a git remote). The
// sandbox never holds real credentials: a collaborator registers each
// upstream with a target URL, the credential headers to inject, and an
// access policy, and receives back a caller-presentable endpoint plus
// a per-session bearer token. Every proxied request is authenticated,
// evaluated against the policy, and — only on allow — forwarded with
// the real credentials injected.
//
// One pipeline, two transports. [Gateway] owns the shared pipeline:
// buffer and parse JSON bodies for policy evaluation, evaluate via
// lib/policy, write the denial response or hand the request to the
// [Forwarder]. [EdgeServer] is the multi-tenant adapter: a single
// listener demultiplexing by session and upstream embedded in the URL
// path, requiring a valid bearer token on every request. [LocalServer]
// is the single-tenant adapter: one listener per upstream on a
// loopback TCP port or unix socket, with no token — process isolation
// and the sandbox's network namespace are the trust boundary. The two
// adapters must behave identically; anything behavioral lives in the
// shared pipeline, not in an adapter.
//
// The forwarder streams responses back unmodified, including
// long-lived SSE streams, and aborts the upstream request when the
// sandboxed caller disconnects. Denials never contact the upstream.
package gateway
