// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Credgate's standard CBOR encoding
// configuration.
//
// The gateway speaks JSON on its external surfaces (proxied requests,
// deny responses, health endpoints) and CBOR for durable internal
// data: the serialized upstream configurations written to the shared
// config store. This package holds the shared encoding and decoding
// modes so every value in the store encodes identically.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, smallest integer encoding, no indefinite-length
// items. Same logical configuration always produces identical bytes,
// which keeps store writes idempotent.
package codec
